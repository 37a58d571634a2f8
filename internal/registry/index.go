package registry

import "github.com/ethereum/go-ethereum/common"

// capabilityIndex maps a capability to the agents advertising it. The
// per-agent map doubles as the duplicate-suppression set and records each
// entry's slot so removal is a swap with the last slot. Removal does not
// preserve order.
type capabilityIndex struct {
	byCap map[string][]common.Address
	slots map[common.Address]map[string]int
}

func newCapabilityIndex() *capabilityIndex {
	return &capabilityIndex{
		byCap: make(map[string][]common.Address),
		slots: make(map[common.Address]map[string]int),
	}
}

func (x *capabilityIndex) add(addr common.Address, capability string) {
	set, ok := x.slots[addr]
	if !ok {
		set = make(map[string]int)
		x.slots[addr] = set
	}
	if _, dup := set[capability]; dup {
		return
	}
	set[capability] = len(x.byCap[capability])
	x.byCap[capability] = append(x.byCap[capability], addr)
}

func (x *capabilityIndex) remove(addr common.Address, capability string) {
	slot, ok := x.slots[addr][capability]
	if !ok {
		return
	}
	list := x.byCap[capability]
	last := len(list) - 1
	moved := list[last]
	list[slot] = moved
	x.slots[moved][capability] = slot
	list = list[:last]
	delete(x.slots[addr], capability)

	if len(list) == 0 {
		delete(x.byCap, capability)
	} else {
		x.byCap[capability] = list
	}
}

// removeAgent drops addr from every capability it is indexed under.
func (x *capabilityIndex) removeAgent(addr common.Address) {
	for c := range x.slots[addr] {
		x.remove(addr, c)
	}
	delete(x.slots, addr)
}

func (x *capabilityIndex) addAgent(addr common.Address, caps []string) {
	for _, c := range caps {
		x.add(addr, c)
	}
}

func (x *capabilityIndex) search(capability string) []common.Address {
	return append([]common.Address{}, x.byCap[capability]...)
}
