package filters

import (
	"sort"

	"drawem/internal/models"
)

// Connectivity selects the voxel neighbourhood used for labelling
type Connectivity int

const (
	// Face connects voxels sharing a face (6 neighbours)
	Face Connectivity = 6

	// Vertex connects voxels sharing a face, edge or corner (26 neighbours)
	Vertex Connectivity = 26
)

// Components is the result of connected component labelling
type Components struct {
	// Labels holds the component of every voxel: 0 outside the input mask,
	// 1 for the largest component, 2 for the next largest and so on
	Labels *models.LabelMap

	// Sizes holds the voxel count of each component, Sizes[0] is label 1
	Sizes []int
}

// Count returns the number of components
func (c *Components) Count() int { return len(c.Sizes) }

// ConnectedComponents labels the components of a binary mask, ordered by
// decreasing size. Equal sizes keep the order in which they were found.
func ConnectedComponents(mask *models.Mask, conn Connectivity) *Components {
	g := mask.Grid
	raw := make([]int, g.NumVoxels())
	offsets := neighbourOffsets(conn)

	var sizes []int
	var queue []int
	for seed, v := range mask.Data {
		if v == 0 || raw[seed] != 0 {
			continue
		}

		label := len(sizes) + 1
		size := 0
		raw[seed] = label
		queue = append(queue[:0], seed)

		for len(queue) > 0 {
			i := queue[len(queue)-1]
			queue = queue[:len(queue)-1]
			size++

			x, y, z := g.Coords(i)
			for _, o := range offsets {
				nx, ny, nz := x+o[0], y+o[1], z+o[2]
				if !g.Inside(nx, ny, nz) {
					continue
				}
				j := g.Index(nx, ny, nz)
				if mask.Data[j] != 0 && raw[j] == 0 {
					raw[j] = label
					queue = append(queue, j)
				}
			}
		}
		sizes = append(sizes, size)
	}

	// Relabel so that label 1 is the largest component
	order := make([]int, len(sizes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return sizes[order[a]] > sizes[order[b]]
	})

	remap := make([]int, len(sizes)+1)
	sorted := make([]int, len(sizes))
	for rank, old := range order {
		remap[old+1] = rank + 1
		sorted[rank] = sizes[old]
	}

	labels := models.NewLabelMap(g)
	for i, l := range raw {
		labels.Data[i] = remap[l]
	}

	return &Components{Labels: labels, Sizes: sorted}
}

func neighbourOffsets(conn Connectivity) [][3]int {
	if conn != Vertex {
		out := make([][3]int, len(models.Neighbours6))
		copy(out, models.Neighbours6[:])
		return out
	}

	var out [][3]int
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx != 0 || dy != 0 || dz != 0 {
					out = append(out, [3]int{dx, dy, dz})
				}
			}
		}
	}
	return out
}
