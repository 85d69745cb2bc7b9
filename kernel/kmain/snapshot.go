package kmain

import (
	"github.com/nassro199/Horizon-sub003/kernel/mm/coherency"
	"github.com/nassro199/Horizon-sub003/kernel/mm/numa"
	"github.com/nassro199/Horizon-sub003/kernel/mm/pmm"
	"github.com/nassro199/Horizon-sub003/kernel/mm/slab"
	"github.com/nassro199/Horizon-sub003/kernel/mm/swap"
	"github.com/nassro199/Horizon-sub003/kernel/mm/tlb"
	"github.com/nassro199/Horizon-sub003/kernel/mm/vmm"
)

// Snapshot is a point-in-time view of every subsystem.
type Snapshot struct {
	PMM       pmm.Stats          `json:"pmm"`
	Slab      []slab.CacheStats  `json:"slab"`
	VMM       vmm.Stats          `json:"vmm"`
	TLB       tlb.Stats          `json:"tlb"`
	Coherency coherency.Stats    `json:"coherency"`
	Swap      swap.Stats         `json:"swap"`
	Monitor   swap.MonitorStats  `json:"monitor"`
	Placer    numa.PlacerStats   `json:"placer"`
	Balancer  numa.BalancerStats `json:"balancer"`
}

// Snapshot collects the statistics of every subsystem.
func (k *Kernel) Snapshot() Snapshot {
	return Snapshot{
		PMM:       k.PMM.Stats(),
		Slab:      k.Slab.Stats(),
		VMM:       k.VMM.Stats(),
		TLB:       k.TLB.Stats(),
		Coherency: k.Coherency.Stats(),
		Swap:      k.Swap.Stats(),
		Monitor:   k.Monitor.Stats(),
		Placer:    k.Placer.Stats(),
		Balancer:  k.Balancer.Stats(),
	}
}
