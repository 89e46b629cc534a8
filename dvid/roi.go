package dvid

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strconv"

	"github.com/gaborage/go-dvid/connection"
)

// BlockSize is the edge length in voxels of a DVID ROI block.
const BlockSize = 32

// BlockZYX is a block coordinate in z, y, x order.
type BlockZYX [3]int

// PointZYX is a voxel coordinate in z, y, x order.
type PointZYX [3]int

// BlockSpan is a run of blocks along x: z, y, x0, x1 with x0 <= x1.
type BlockSpan [4]int

// Block returns the ROI block containing p.
func (p PointZYX) Block() BlockZYX {
	return BlockZYX{floorDiv(p[0], BlockSize), floorDiv(p[1], BlockSize), floorDiv(p[2], BlockSize)}
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && a < 0 {
		q--
	}
	return q
}

func compareBlocks(a, b BlockZYX) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// EncodeSpans sorts blocks and run-length encodes them along x. Duplicate
// blocks are merged.
func EncodeSpans(blocks []BlockZYX) []BlockSpan {
	sorted := slices.Clone(blocks)
	slices.SortFunc(sorted, compareBlocks)
	sorted = slices.Compact(sorted)

	spans := make([]BlockSpan, 0, len(sorted))
	for _, b := range sorted {
		if n := len(spans); n > 0 {
			last := &spans[n-1]
			if last[0] == b[0] && last[1] == b[1] && last[3]+1 == b[2] {
				last[3] = b[2]
				continue
			}
		}
		spans = append(spans, BlockSpan{b[0], b[1], b[2], b[2]})
	}
	return spans
}

// DecodeSpans expands spans into sorted blocks. A span with x1 < x0 is an error.
func DecodeSpans(spans []BlockSpan) ([]BlockZYX, error) {
	var blocks []BlockZYX
	for _, s := range spans {
		if s[3] < s[2] {
			return nil, fmt.Errorf("invalid span %v: x1 < x0", s)
		}
		for x := s[2]; x <= s[3]; x++ {
			blocks = append(blocks, BlockZYX{s[0], s[1], x})
		}
	}
	slices.SortFunc(blocks, compareBlocks)
	return slices.Compact(blocks), nil
}

// PostROI replaces the blocks of an ROI instance. Replacing is idempotent, so
// the POST is retried like a GET.
func (n *NodeService) PostROI(ctx context.Context, name string, blocks []BlockZYX) error {
	if err := validateInput(&instanceRef{Name: name}); err != nil {
		return err
	}
	body, err := connection.EncodeJSON(EncodeSpans(blocks))
	if err != nil {
		return err
	}
	_, err = n.server.conn.Post(ctx, n.path(name, "roi"), body, connection.WithIdempotent())
	return err
}

// GetROI returns the sorted blocks of an ROI instance.
func (n *NodeService) GetROI(ctx context.Context, name string) ([]BlockZYX, error) {
	if err := validateInput(&instanceRef{Name: name}); err != nil {
		return nil, err
	}
	resp, err := n.server.conn.Get(ctx, n.path(name, "roi"))
	if err != nil {
		return nil, err
	}

	var spans []BlockSpan
	if err := connection.DecodeJSON(resp, &spans); err != nil {
		return nil, err
	}
	blocks, err := DecodeSpans(spans)
	if err != nil {
		return nil, connection.NewDecodeError(err.Error(), resp.Body, nil)
	}
	return blocks, nil
}

// ROIPointQuery reports, for each point, whether it lies inside the ROI. The
// query is read-only and therefore retried.
func (n *NodeService) ROIPointQuery(ctx context.Context, name string, points []PointZYX) ([]bool, error) {
	if err := validateInput(&instanceRef{Name: name}); err != nil {
		return nil, err
	}

	// DVID expects x, y, z
	xyz := make([][3]int, len(points))
	for i, p := range points {
		xyz[i] = [3]int{p[2], p[1], p[0]}
	}
	body, err := connection.EncodeJSON(xyz)
	if err != nil {
		return nil, err
	}

	resp, err := n.server.conn.Post(ctx, n.path(name, "ptquery"), body, connection.WithIdempotent())
	if err != nil {
		return nil, err
	}

	var inside []bool
	if err := connection.DecodeJSON(resp, &inside); err != nil {
		return nil, err
	}
	if len(inside) != len(points) {
		return nil, connection.NewDecodeError(
			fmt.Sprintf("point query returned %d results for %d points", len(inside), len(points)),
			resp.Body, nil)
	}
	return inside, nil
}

// GetROI3D returns a mask of the subvolume at offset: one byte per voxel, x
// varying fastest, set to 1 where the voxel's block belongs to the ROI.
func (n *NodeService) GetROI3D(ctx context.Context, name string, dims DimsZYX, offset PointZYX) ([]byte, error) {
	if err := validateDims(dims); err != nil {
		return nil, err
	}
	blocks, err := n.GetROI(ctx, name)
	if err != nil {
		return nil, err
	}
	inside := make(map[BlockZYX]struct{}, len(blocks))
	for _, b := range blocks {
		inside[b] = struct{}{}
	}

	mask := make([]byte, dims.Voxels())
	for z := 0; z < dims[0]; z++ {
		bz := floorDiv(offset[0]+z, BlockSize)
		for y := 0; y < dims[1]; y++ {
			by := floorDiv(offset[1]+y, BlockSize)
			row := (z*dims[1] + y) * dims[2]
			for x := 0; x < dims[2]; {
				bx := floorDiv(offset[2]+x, BlockSize)
				end := min((bx+1)*BlockSize-offset[2], dims[2])
				if _, ok := inside[BlockZYX{bz, by, bx}]; ok {
					for i := x; i < end; i++ {
						mask[row+i] = 1
					}
				}
				x = end
			}
		}
	}
	return mask, nil
}

// Substack is a cube of Size voxels per edge whose minimum corner is Offset.
type Substack struct {
	Size   int
	Offset PointZYX
}

type partitionResponse struct {
	NumActiveBlocks int
	Subvolumes      []struct {
		MinPoint [3]int // x, y, z
	}
}

// GetROIPartition splits the ROI into substacks of batchSize blocks per edge,
// keeping only substacks that contain ROI blocks. Substacks are sorted by z,
// y, x. The packing factor is the fraction of substack blocks inside the ROI.
func (n *NodeService) GetROIPartition(ctx context.Context, name string, batchSize int) ([]Substack, float64, error) {
	if err := validateInput(&instanceRef{Name: name}); err != nil {
		return nil, 0, err
	}
	if batchSize <= 0 {
		return nil, 0, connection.NewValidationError(
			fmt.Sprintf("batch size %d must be positive", batchSize), "batchsize")
	}

	resp, err := n.server.conn.Get(ctx, n.path(name, "partition"),
		connection.WithQuery(url.Values{"batchsize": {strconv.Itoa(batchSize)}}))
	if err != nil {
		return nil, 0, err
	}
	var partition partitionResponse
	if err := connection.DecodeJSON(resp, &partition); err != nil {
		return nil, 0, err
	}

	size := batchSize * BlockSize
	substacks := make([]Substack, len(partition.Subvolumes))
	for i, sv := range partition.Subvolumes {
		substacks[i] = Substack{Size: size, Offset: PointZYX{sv.MinPoint[2], sv.MinPoint[1], sv.MinPoint[0]}}
	}
	slices.SortFunc(substacks, func(a, b Substack) int {
		return compareBlocks(BlockZYX(a.Offset), BlockZYX(b.Offset))
	})

	if len(substacks) == 0 {
		return substacks, 0, nil
	}
	capacity := len(substacks) * batchSize * batchSize * batchSize
	return substacks, float64(partition.NumActiveBlocks) / float64(capacity), nil
}
