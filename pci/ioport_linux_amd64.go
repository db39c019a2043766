package pci

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// IOPort is a Port that executes 32-bit in and out instructions on the
// configuration ports. Each access is a single outl or inl.
//
// Linux grants port access per thread, so every access runs on one goroutine
// locked to the thread that was granted it.
type IOPort struct {
	reqs chan portReq
	once sync.Once
}

type portReq struct {
	port  uint16
	v     uint32
	write bool
	done  chan uint32
}

var ErrPortAccess = errors.New("pci: port access denied")

// number of ports granted from PortConfigAddress: 0xcf8-0xcff
const numConfigPorts = 8

func outl(port uint16, v uint32)
func inl(port uint16) uint32

// OpenIOPort gains access to the configuration ports. The process needs
// CAP_SYS_RAWIO.
func OpenIOPort() (*IOPort, error) {
	return startPort(func() error {
		return unix.Ioperm(PortConfigAddress, numConfigPorts, 1)
	}, outl, inl)
}

func startPort(grant func() error, out func(uint16, uint32), in func(uint16) uint32) (*IOPort, error) {
	p := &IOPort{reqs: make(chan portReq)}
	errc := make(chan error, 1)

	go func() {
		// never unlocked: the thread exits with the goroutine and takes its
		// port permission with it
		runtime.LockOSThread()

		if err := grant(); err != nil {
			errc <- err
			return
		}

		errc <- nil

		for r := range p.reqs {
			if r.write {
				out(r.port, r.v)
			} else {
				r.v = in(r.port)
			}

			r.done <- r.v
		}
	}()

	if err := <-errc; err != nil {
		return nil, fmt.Errorf("%w: ioperm %#x: %w", ErrPortAccess, PortConfigAddress, err)
	}

	return p, nil
}

// Out32 writes v to port with one outl. Ports other than CONFIG_ADDRESS and
// CONFIG_DATA panic.
func (p *IOPort) Out32(port uint16, v uint32) {
	checkPort(port)
	p.do(portReq{port: port, v: v, write: true})
}

// In32 reads port with one inl. Ports other than CONFIG_ADDRESS and
// CONFIG_DATA panic.
func (p *IOPort) In32(port uint16) uint32 {
	checkPort(port)
	return p.do(portReq{port: port})
}

func (p *IOPort) do(r portReq) uint32 {
	r.done = make(chan uint32, 1)
	p.reqs <- r
	return <-r.done
}

// Close stops the port goroutine. The IOPort must not be used afterwards.
func (p *IOPort) Close() error {
	p.once.Do(func() { close(p.reqs) })
	return nil
}

func checkPort(port uint16) {
	if port != PortConfigAddress && port != PortConfigData {
		panic(fmt.Sprintf("pci: 32-bit access to port %#x", port))
	}
}
