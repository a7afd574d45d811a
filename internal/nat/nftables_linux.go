// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package nat

import (
	"net/netip"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"grimm.is/dnswall/internal/errors"
)

const (
	tableName = "dnswall"
	mapName   = "fake_ip_map"
)

// NFTables programs the fake→real map into an nftables ip table. The
// table holds one ipv4_addr:ipv4_addr map and two nat chains (prerouting
// and output) whose single rule rewrites the destination through the map:
//
//	dnat to ip daddr map @fake_ip_map
type NFTables struct {
	conn  *nftables.Conn
	table *nftables.Table
	set   *nftables.Set
}

// New connects to the kernel and ensures the dnswall table, map, chains
// and DNAT rules exist. The map is flushed so no mappings from a previous
// run survive.
func New() (*NFTables, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "nftables connection failed")
	}

	table := conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   tableName,
	})

	set := &nftables.Set{
		Table:    table,
		Name:     mapName,
		KeyType:  nftables.TypeIPAddr,
		DataType: nftables.TypeIPAddr,
		IsMap:    true,
	}
	if err := conn.AddSet(set, nil); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "creating fake ip map")
	}

	for hook, name := range map[*nftables.ChainHook]string{
		nftables.ChainHookPrerouting: "fake_ip_prerouting",
		nftables.ChainHookOutput:     "fake_ip_output",
	} {
		chain := conn.AddChain(&nftables.Chain{
			Name:     name,
			Table:    table,
			Type:     nftables.ChainTypeNAT,
			Hooknum:  hook,
			Priority: nftables.ChainPriorityRef(-100),
		})
		conn.FlushChain(chain)
		conn.AddRule(&nftables.Rule{
			Table: table,
			Chain: chain,
			Exprs: []expr.Any{
				// ip daddr → reg 1
				&expr.Payload{
					DestRegister: 1,
					Base:         expr.PayloadBaseNetworkHeader,
					Offset:       16,
					Len:          4,
				},
				// reg 1 → map lookup → reg 1
				&expr.Lookup{
					SourceRegister: 1,
					DestRegister:   1,
					IsDestRegSet:   true,
					SetName:        set.Name,
					SetID:          set.ID,
				},
				// dnat to reg 1
				&expr.NAT{
					Type:       expr.NATTypeDestNAT,
					Family:     unix.AF_INET,
					RegAddrMin: 1,
				},
			},
		})
	}

	n := &NFTables{conn: conn, table: table, set: set}
	if err := conn.Flush(); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "programming fake ip table")
	}
	if err := n.Flush(); err != nil {
		return nil, err
	}
	logger.Info("nftables fake ip map ready", "table", tableName, "map", mapName)
	return n, nil
}

// Add inserts fake→real into the kernel map.
func (n *NFTables) Add(fake, real netip.Addr) error {
	err := n.conn.SetAddElements(n.set, []nftables.SetElement{
		{Key: fake.AsSlice(), Val: real.AsSlice()},
	})
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "adding map element %s", fake)
	}
	if err := n.conn.Flush(); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "committing map element %s", fake)
	}
	return nil
}

// Delete removes the mapping keyed by fake from the kernel map.
func (n *NFTables) Delete(fake netip.Addr) error {
	err := n.conn.SetDeleteElements(n.set, []nftables.SetElement{
		{Key: fake.AsSlice()},
	})
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "deleting map element %s", fake)
	}
	if err := n.conn.Flush(); err != nil {
		return errors.Wrapf(err, errors.KindInternal, "committing map delete %s", fake)
	}
	return nil
}

// Flush empties the kernel map.
func (n *NFTables) Flush() error {
	n.conn.FlushSet(n.set)
	if err := n.conn.Flush(); err != nil {
		return errors.Wrap(err, errors.KindInternal, "flushing fake ip map")
	}
	return nil
}
