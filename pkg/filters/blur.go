// Package filters provides the 3D image operators used by the classifier:
// separable Gaussian smoothing and connected component labelling.
package filters

import (
	"math"

	"drawem/internal/models"
)

// GaussianKernel1D returns a normalized 1D Gaussian kernel with standard
// deviation sigma in voxels. The kernel radius is ceil(4 sigma).
func GaussianKernel1D(sigma float64) []float64 {
	if sigma <= 0 {
		return []float64{1}
	}

	radius := int(math.Ceil(4 * sigma))
	kernel := make([]float64, 2*radius+1)
	factor := -0.5 / (sigma * sigma)

	sum := 0.0
	for i := range kernel {
		x := float64(i - radius)
		kernel[i] = math.Exp(factor * x * x)
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// GaussianBlur smooths a volume with an isotropic Gaussian of standard
// deviation sigma given in mm. Each axis uses sigma divided by the voxel size
// along that axis, and borders are replicated.
func GaussianBlur(src *models.Volume, sigma float64) *models.Volume {
	out := src.Clone()
	if sigma <= 0 {
		return out
	}

	tmp := make([]float64, len(out.Data))
	w, h, d := src.Width, src.Height, src.Depth

	// x axis
	convolveAxis(out.Data, tmp, GaussianKernel1D(sigma/src.VoxelSize.X), w, 1, func(i int) int {
		return (i / w) * w
	})

	// y axis
	convolveAxis(out.Data, tmp, GaussianKernel1D(sigma/src.VoxelSize.Y), h, w, func(i int) int {
		return (i/(w*h))*(w*h) + i%w
	})

	// z axis
	convolveAxis(out.Data, tmp, GaussianKernel1D(sigma/src.VoxelSize.Z), d, w*h, func(i int) int {
		return i % (w * h)
	})

	return out
}

// convolveAxis filters data along one axis in place. start maps a voxel to the
// first voxel of its line, stride is the index step along the axis and n the
// line length.
func convolveAxis(data, tmp []float64, kernel []float64, n, stride int, start func(int) int) {
	if len(kernel) == 1 || n == 1 {
		return
	}
	radius := len(kernel) / 2

	for i := range data {
		base := start(i)
		pos := (i - base) / stride

		sum := 0.0
		for k, weight := range kernel {
			p := pos + k - radius
			if p < 0 {
				p = 0
			} else if p >= n {
				p = n - 1
			}
			sum += weight * data[base+p*stride]
		}
		tmp[i] = sum
	}
	copy(data, tmp)
}
