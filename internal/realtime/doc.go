// Package realtime fans registry mutations out to subscribers.
//
// The Hub is a topic pub-sub keyed by job id, "tenant:<id>" and "lane:<lane>".
// It implements the registry event sink, so every accepted mutation reaches
// the subscribers of the job, its tenant and its lane in commit order.
// Publish never blocks: a subscriber whose buffer is full is dropped and must
// reconcile by reading the job snapshot again.
//
// Handler exposes the hub over WebSocket.
package realtime
