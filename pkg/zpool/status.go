// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package zpool

import (
	"encoding/json"
	"sort"

	"github.com/stratastor/zfsd/pkg/errors"
	"github.com/stratastor/zfsd/pkg/zfsd"
)

// statusOutput is the document printed by `zpool status -j -p`.
type statusOutput struct {
	OutputVersion struct {
		Command   string `json:"command"`
		VersMajor int    `json:"vers_major"`
		VersMinor int    `json:"vers_minor"`
	} `json:"output_version"`
	Pools map[string]poolStatus `json:"pools"`
}

type poolStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
	GUID  string `json:"pool_guid"`

	Vdevs   map[string]*vdevStatus `json:"vdevs"`
	Logs    map[string]*vdevStatus `json:"logs,omitempty"`
	L2Cache map[string]*vdevStatus `json:"l2cache,omitempty"`
	Spares  map[string]*vdevStatus `json:"spares,omitempty"`
}

type vdevStatus struct {
	Name     string                 `json:"name"`
	VdevType string                 `json:"vdev_type"`
	GUID     string                 `json:"guid"`
	State    string                 `json:"state"`
	Path     string                 `json:"path,omitempty"`
	PhysPath string                 `json:"phys_path,omitempty"`
	Vdevs    map[string]*vdevStatus `json:"vdevs,omitempty"`
}

// parseStatus converts zpool status JSON into pool snapshots, sorted by
// name. Only leaf vdevs are kept; hot spares are not pool members.
func parseStatus(out []byte) ([]*zfsd.Pool, error) {
	var status statusOutput
	if err := json.Unmarshal(out, &status); err != nil {
		return nil, errors.Wrap(err, errors.ZpoolStatusParse)
	}

	pools := make([]*zfsd.Pool, 0, len(status.Pools))
	for name, ps := range status.Pools {
		if ps.Name != "" {
			name = ps.Name
		}
		p := &zfsd.Pool{
			Name: name,
			GUID: zfsd.ParseGuid(ps.GUID),
		}
		if !p.GUID.IsValid() {
			return nil, errors.New(errors.ZpoolStatusParse, "pool without a valid GUID").
				WithMetadata("pool", name)
		}
		for _, tree := range []map[string]*vdevStatus{ps.Vdevs, ps.Logs, ps.L2Cache} {
			collectLeaves(p, tree)
		}
		sort.Slice(p.Vdevs, func(i, j int) bool { return p.Vdevs[i].GUID < p.Vdevs[j].GUID })
		pools = append(pools, p)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Name < pools[j].Name })
	return pools, nil
}

func collectLeaves(p *zfsd.Pool, tree map[string]*vdevStatus) {
	for _, v := range tree {
		if v == nil {
			continue
		}
		if len(v.Vdevs) > 0 {
			collectLeaves(p, v.Vdevs)
			continue
		}
		if v.VdevType == "root" {
			continue
		}
		p.Vdevs = append(p.Vdevs, zfsd.Vdev{
			PoolGUID: p.GUID,
			GUID:     zfsd.ParseGuid(v.GUID),
			State:    zfsd.ParseVdevState(v.State),
			PhysPath: v.PhysPath,
			Path:     v.Path,
		})
	}
}
