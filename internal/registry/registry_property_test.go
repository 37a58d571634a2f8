//go:build property

package registry

import (
	"context"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/mbd888/agora/internal/admin"
	"github.com/mbd888/agora/internal/events"
)

var capPool = []string{"a", "b", "c", "d"}

// indexOp is one registry mutation: kind 0 = register, 1 = update
// capabilities, 2 = deactivate. Mask picks capabilities from capPool.
type indexOp struct {
	Kind  int
	Agent int
	Mask  int
}

func genIndexOp() gopter.Gen {
	return gopter.CombineGens(gen.IntRange(0, 2), gen.IntRange(0, 3), gen.IntRange(1, 15)).
		Map(func(vals []interface{}) indexOp {
			return indexOp{Kind: vals[0].(int), Agent: vals[1].(int), Mask: vals[2].(int)}
		})
}

func capsFor(mask int) []string {
	var caps []string
	for i, c := range capPool {
		if mask&(1<<i) != 0 {
			caps = append(caps, c)
		}
	}
	return caps
}

func propAgent(i int) common.Address {
	return common.HexToAddress(fmt.Sprintf("0x%040x", 0x100+i))
}

// Property: after any sequence of register/update/deactivate calls, the
// index for each capability is exactly the set of active agents listing it.
func TestCapabilityIndexConsistency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("index mirrors active capability sets", prop.ForAll(
		func(ops []indexOp) bool {
			ctx := context.Background()
			ctrl := admin.NewController(owner, events.Discard{}, nil)
			svc := NewService(NewMemoryStore(), ctrl, nil, nil)

			for _, op := range ops {
				addr := propAgent(op.Agent)
				switch op.Kind {
				case 0:
					_, _ = svc.Register(ctx, addr, RegisterRequest{Name: "n", Capabilities: capsFor(op.Mask)})
				case 1:
					_, _ = svc.UpdateCapabilities(ctx, addr, capsFor(op.Mask))
				case 2:
					_ = svc.Deactivate(ctx, owner, addr)
				}

				for _, c := range capPool {
					want := make(map[common.Address]bool)
					for i := 0; i < 4; i++ {
						a, err := svc.Get(ctx, propAgent(i))
						if err != nil {
							continue
						}
						for _, ac := range a.Capabilities {
							if ac == c {
								want[a.Address] = true
							}
						}
					}
					got, _ := svc.SearchByCapability(ctx, c)
					if len(got) != len(want) {
						return false
					}
					seen := make(map[common.Address]bool)
					for _, g := range got {
						if !want[g] || seen[g] {
							return false
						}
						seen[g] = true
					}
				}
			}
			return true
		},
		gen.SliceOf(genIndexOp()),
	))

	properties.TestingRun(t)
}

// Property: walking List pages reconstructs ListAll, and offsets at or past
// the end return an empty page with the true total.
func TestPaginationReconstructs(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("pages concatenate to the full list", prop.ForAll(
		func(n, limit int) bool {
			ctx := context.Background()
			ctrl := admin.NewController(owner, events.Discard{}, nil)
			svc := NewService(NewMemoryStore(), ctrl, nil, nil)
			for i := 0; i < n; i++ {
				if _, err := svc.Register(ctx, propAgent(i), RegisterRequest{Name: "n", Capabilities: []string{"x"}}); err != nil {
					return false
				}
			}

			all, _ := svc.ListAll(ctx)
			var joined []common.Address
			for off := 0; off < n; off += limit {
				page, err := svc.List(ctx, off, limit)
				if err != nil || page.Total != n {
					return false
				}
				want := limit
				if n-off < want {
					want = n - off
				}
				if len(page.Items) != want {
					return false
				}
				joined = append(joined, page.Items...)
			}
			if len(joined) != len(all) {
				return false
			}
			for i := range all {
				if joined[i] != all[i] {
					return false
				}
			}

			past, _ := svc.List(ctx, n, limit)
			return len(past.Items) == 0 && past.Total == n
		},
		gen.IntRange(0, 40),
		gen.IntRange(1, 100),
	))

	properties.TestingRun(t)
}
