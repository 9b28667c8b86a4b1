// Package accessory provides the value types shared by the Tactivo presence
// layer: the immutable accessory descriptor reported by the platform, the clean
// connect/disconnect events published to subscribers, and the error taxonomy
// for rejected raw events.
//
// Descriptors are created once from a raw attach event and never mutated
// afterwards, so they can be handed to any number of subscribers without
// synchronization.
package accessory
