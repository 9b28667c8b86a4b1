// Package notify delivers clean accessory events to subscribers.
//
// A Queue decouples the goroutine that publishes from the goroutines that
// consume: Publish never blocks, a single dispatcher takes events in publish
// order and hands each one to every subscriber, and every subscriber has its
// own bounded channel and delivery goroutine. Handlers of one subscriber never
// overlap and see events in publish order; a slow handler delays only its own
// later events.
//
// Both the shared buffer and the per-subscriber channels drop the oldest
// element when full. Accessory presence can always be re-read from the
// lifecycle manager, so a dropped notification is logged and counted but
// never fatal.
package notify
