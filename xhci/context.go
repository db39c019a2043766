package xhci

import (
	"unsafe"

	"github.com/c35s/bringup/alloc"
)

// SlotContext is a 32-byte slot context.
type SlotContext [8]uint32

// EndpointContext is a 32-byte endpoint context.
type EndpointContext [8]uint32

// DeviceContext is the output device context of one slot: the slot context
// followed by 31 endpoint contexts.
type DeviceContext struct {
	Slot      SlotContext
	Endpoints [31]EndpointContext
}

const (
	contextAlign = 64
	contextSize  = int(unsafe.Sizeof(DeviceContext{}))
)

// AllocDeviceContexts allocates n zeroed device contexts from a reserved pool.
// Each context is 64-byte aligned and doesn't cross a page boundary.
func AllocDeviceContexts(a *alloc.Arena, n int) ([]*DeviceContext, bool) {
	dd := make([]*DeviceContext, n)
	for i := range dd {
		r, ok := a.Alloc(contextSize, contextAlign)
		if !ok {
			return nil, false
		}

		clear(r.Bytes)
		dd[i] = (*DeviceContext)(unsafe.Pointer(&r.Bytes[0]))
	}

	return dd, true
}

// AllocContextArray allocates the device context base address array for the
// controller's slots: one 64-bit pointer per slot, plus entry 0 for the
// scratchpad buffer array.
func (c *Controller) AllocContextArray(a *alloc.Arena) ([]uint64, bool) {
	n := int(c.caps.HCSParams1.MaxDeviceSlots()) + 1

	r, ok := a.Alloc(8*n, contextAlign)
	if !ok {
		return nil, false
	}

	clear(r.Bytes)
	return unsafe.Slice((*uint64)(unsafe.Pointer(&r.Bytes[0])), n), true
}
