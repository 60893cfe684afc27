// Package portmap asks the local router to forward a port to this machine.
//
// All mapping and unmapping goes through a single Worker goroutine, so at most
// one operation talks to the router at any time, process-wide. Requests queue
// in FIFO order:
//
//	mapper, err := portmap.Discover(ctx)
//	if err != nil {
//	    return err // no UPnP or NAT-PMP gateway
//	}
//	res := <-portmap.Submit(sessionCtx, portmap.Request{
//	    Mapper:       mapper,
//	    Protocol:     portmap.UDP,
//	    InternalPort: 61000,
//	})
//
// The context passed to Submit is the owner's lifetime. When it is cancelled
// before the task starts, the task is dropped. When it is cancelled while the
// mapping is being created, the worker deletes the mapping again and the
// result channel is closed without a value.
//
// Two mappers are provided: UPnPMapper over IGDv2/IGDv1 and NATPMPMapper.
// ExternalAddress resolves the public IP through a STUN server.
package portmap
