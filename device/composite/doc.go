// Package composite fans the single set of USB class callbacks out to every
// registered class module.
//
// The transport offers one class-driver slot. A [Dispatcher] fills that slot
// and forwards each class event to its modules in registration order. A
// module takes part in an event by implementing the matching capability
// interface ([Activator], [SetupHandler], [DataOutHandler], and so on); a
// module that does not implement one is skipped. Every module is called even
// when an earlier one fails, and the failures are joined into one error.
//
// Endpoint memory is assigned in one pass: [Dispatcher.AllocateEndpointMemory]
// threads a running offset through every [MemoryAllocator], so the regions
// of the first module come strictly before those of the second.
package composite
