// Package chat is the AI-completion collaborator of the offline client.
//
// A Provider turns a prompt into a streamed answer. The only provider shipped
// here is OfflineProvider, which produces a canned local answer word by word
// so the client stays usable without a network. Assistant glues a provider to
// the local store: the user prompt and the final answer are both written as
// messages, and both land in the mutation log like any other edit.
package chat
