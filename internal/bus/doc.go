// Package bus provides the in-process publish/subscribe hub that decouples
// the state store, conversation manager, history sync manager, and analytics.
//
// # Overview
//
// A single Bus instance is constructed at startup and passed by reference to
// every consumer. Components never reach into each other's state; they publish
// typed events and subscribe to the topics they care about.
//
// # Dispatch semantics
//
// Publish wraps the payload in an EventRecord (generated id + timestamp),
// appends it to a bounded replay history, and synchronously invokes the
// current subscribers of that topic in subscription order. A panicking
// subscriber is recovered and logged; it never prevents sibling subscribers
// from running. Every publish also fires the TopicEventPublished meta topic so
// global observers need not enumerate every topic.
//
// # Subscriptions
//
// Subscribe returns an unsubscribe func. Subscriptions registered with an
// owner tag can be torn down atomically with UnsubscribeOwner, which is how
// components detach on shutdown. SubscribeOnce auto-removes after the first
// delivery.
//
// # Waiting
//
// WaitFor blocks until the next event on a topic or fails with ErrTimeout;
// its listener is deregistered on every exit path. Request publishes a
// request event and waits for the correlated response topic (default
// "<topic>-response").
package bus
