package distributed

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// Group is the handle to the set of devices taking part in a collective operation, as seen from
// one of them.
type Group interface {
	// Size is the number of devices in the group.
	Size() int

	// Rank is the position of the current device in the group, from 0 to Size()-1.
	Rank() int

	// Name identifies the group in logs.
	Name() string
}

// MeshGroup is a Group of devices of a DeviceMesh that differ only on the given axes.
type MeshGroup struct {
	mesh    *DeviceMesh
	axes    []string
	devices []int
	rank    int
}

var _ Group = (*MeshGroup)(nil)

// NewMeshGroup returns the group of devices of the mesh, along the given axes, that includes device.
func NewMeshGroup(mesh *DeviceMesh, device int, axes ...string) (*MeshGroup, error) {
	if device < 0 || device >= mesh.NumDevices() {
		return nil, errors.Errorf("device %d is not in %s", device, mesh)
	}
	groups, err := mesh.ComputeReplicaGroups(axes)
	if err != nil {
		return nil, errors.WithMessagef(err, "while creating group for device %d", device)
	}
	for _, devices := range groups {
		if rank := slices.Index(devices, device); rank >= 0 {
			return &MeshGroup{mesh: mesh, axes: slices.Clone(axes), devices: devices, rank: rank}, nil
		}
	}
	return nil, errors.Errorf("device %d not found in any replica group of %s", device, mesh)
}

// Size implements Group.
func (g *MeshGroup) Size() int { return len(g.devices) }

// Rank implements Group.
func (g *MeshGroup) Rank() int { return g.rank }

// Devices returns the devices in the group, ordered by rank.
func (g *MeshGroup) Devices() []int { return slices.Clone(g.devices) }

// Name implements Group.
func (g *MeshGroup) Name() string {
	return fmt.Sprintf("%s%v#%d", g.mesh.Name(), g.axes, g.rank)
}

// SingleDevice returns the trivial group of one device.
func SingleDevice() Group {
	mesh, _ := NewDeviceMesh([]int{1}, []string{"device"})
	g, _ := NewMeshGroup(mesh, 0, "device")
	return g
}
