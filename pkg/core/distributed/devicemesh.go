// Package distributed describes how the devices running a compute pipeline are organized:
// the DeviceMesh topology, the Group handles used by collective operations, and the Environment
// a pipeline is built for.
package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/sequential/pkg/support/sets"
	"github.com/pkg/errors"
)

// DeviceMesh defines the logical topology of a set of devices.
type DeviceMesh struct {
	name string

	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of devices along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	numDevices int
}

const DefaultMeshName = "mesh"

// IsNameValid checks whether a name is a valid identifier for a mesh name or axis name.
func IsNameValid(name string) bool {
	if name == "" {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewDeviceMesh creates a new logical topology of a set of devices.
//
//   - axesSizes: defines the number of devices along each mesh axis, one value per axis.
//   - axesNames: the names of the mesh axes. One value per axis.
//
// For tensor (model) parallelism of a pipeline a 1D mesh is enough, e.g., NewDeviceMesh([]int{8}, []string{"tp"}).
func NewDeviceMesh(axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("DeviceMesh axesSizes cannot be empty")
	}
	numDevices := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if !IsNameValid(name) {
			return nil, errors.Errorf(
				"DeviceMesh axis name %q at index %d is not a valid identifier, it must start with a ASCII letter "+
					"and be followed only by letters, numbers or underscore", name, i)
		}
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("DeviceMesh axis name %q is duplicated", name)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("DeviceMesh axis %q has invalid size %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numDevices *= axesSizes[i]
	}
	return &DeviceMesh{
		name:       DefaultMeshName,
		axesNames:  slices.Clone(axesNames),
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numDevices: numDevices,
	}, nil
}

// SetName of the mesh.
func (m *DeviceMesh) SetName(name string) {
	m.name = name
}

// Name returns the mesh name.
func (m *DeviceMesh) Name() string {
	return m.name
}

// NumDevices returns the total number of devices in the mesh.
func (m *DeviceMesh) NumDevices() int {
	return m.numDevices
}

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxisSize returns the number of devices along the given mesh axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	var sb strings.Builder
	sb.WriteString("DeviceMesh(axesSizes={")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// coordinates of the flat device index in the mesh, row-major.
func (m *DeviceMesh) coordinates(device int) []int {
	coords := make([]int, len(m.axesSizes))
	for i := len(m.axesSizes) - 1; i >= 0; i-- {
		coords[i] = device % m.axesSizes[i]
		device /= m.axesSizes[i]
	}
	return coords
}

// ComputeReplicaGroups returns the groups of devices participating in a collective operation performed
// along the given axes. Devices that differ only on the given axes belong to the same group.
//
// Example:
//
//	m := NewDeviceMesh([]int{2, 2}, []string{"batch", "data"})
//	batchGroups, _ := m.ComputeReplicaGroups([]string{"batch"})  // -> [][]int{{0, 2}, {1, 3}}
//	dataGroups, _ := m.ComputeReplicaGroups([]string{"data"})    // -> [][]int{{0, 1}, {2, 3}}
func (m *DeviceMesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	inGroup := sets.Make[int](len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh", axis)
		}
		if inGroup.Has(idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		inGroup.Insert(idx)
	}

	// Devices are keyed by their coordinates on the axes not in the group; the groups are
	// listed in order of their first device.
	keyToGroup := make(map[string]int)
	var groups [][]int
	for device := 0; device < m.numDevices; device++ {
		coords := m.coordinates(device)
		var key strings.Builder
		for axis, c := range coords {
			if !inGroup.Has(axis) {
				_, _ = fmt.Fprintf(&key, "%d,", c)
			}
		}
		idx, found := keyToGroup[key.String()]
		if !found {
			idx = len(groups)
			keyToGroup[key.String()] = idx
			groups = append(groups, nil)
		}
		groups[idx] = append(groups[idx], device)
	}
	return groups, nil
}
