package mockdvid

import (
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

var bytesPerVoxel = map[string]int{
	TypeGrayscale8: 1,
	TypeLabelblk:   8,
}

type subvolume struct {
	dims   [3]int // z, y, x
	offset [3]int // z, y, x
}

type partitionSubvolume struct {
	MinPoint     [3]int
	MaxPoint     [3]int
	MinChunk     [3]int
	MaxChunk     [3]int
	TotalVoxels  int
	ActiveBlocks int
}

type partitionBody struct {
	NumTotalBlocks  int
	NumActiveBlocks int
	NumSubvolumes   int
	Subvolumes      []partitionSubvolume
}

// parseXYZ reads an "x_y_z" path segment into z, y, x order.
func parseXYZ(c echo.Context, param string) ([3]int, error) {
	parts := strings.Split(c.Param(param), "_")
	if len(parts) != 3 {
		return [3]int{}, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("malformed %s %q", param, c.Param(param)))
	}
	var zyx [3]int
	for i, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil {
			return [3]int{}, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("malformed %s %q", param, c.Param(param)))
		}
		zyx[2-i] = v
	}
	return zyx, nil
}

func parseSubvolume(c echo.Context) (subvolume, error) {
	if c.Param("dims") != "0_1_2" {
		return subvolume{}, echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("only 3d xyz subvolumes are supported, got %q", c.Param("dims")))
	}
	dims, err := parseXYZ(c, "size")
	if err != nil {
		return subvolume{}, err
	}
	for _, d := range dims {
		if d <= 0 {
			return subvolume{}, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("bad size %q", c.Param("size")))
		}
	}
	offset, err := parseXYZ(c, "offset")
	if err != nil {
		return subvolume{}, err
	}
	return subvolume{dims: dims, offset: offset}, nil
}

func (v subvolume) voxels() int {
	return v.dims[0] * v.dims[1] * v.dims[2]
}

// eachRun calls fn for every run of voxels along x that stays inside one
// block. start indexes the run in the subvolume, within indexes it in the
// block.
func (v subvolume) eachRun(fn func(block [3]int, start, within, length int)) {
	for z := 0; z < v.dims[0]; z++ {
		gz := v.offset[0] + z
		for y := 0; y < v.dims[1]; y++ {
			gy := v.offset[1] + y
			row := (z*v.dims[1] + y) * v.dims[2]
			for x := 0; x < v.dims[2]; {
				gx := v.offset[2] + x
				block := [3]int{floorDiv(gz, BlockSize), floorDiv(gy, BlockSize), floorDiv(gx, BlockSize)}
				lz, ly, lx := gz-block[0]*BlockSize, gy-block[1]*BlockSize, gx-block[2]*BlockSize
				length := min(BlockSize-lx, v.dims[2]-x)
				fn(block, row+x, (lz*BlockSize+ly)*BlockSize+lx, length)
				x += length
			}
		}
	}
}

func (s *Server) voxelInstanceLocked(c echo.Context) (*instance, int, error) {
	inst, err := s.instanceLocked(c, "")
	if err != nil {
		return nil, 0, err
	}
	bpv, ok := bytesPerVoxel[inst.typename]
	if !ok {
		return nil, 0, echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("data instance %q of type %s has no voxels", inst.name, inst.typename))
	}
	return inst, bpv, nil
}

func (s *Server) getRaw(c echo.Context) error {
	sv, err := parseSubvolume(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, bpv, err := s.voxelInstanceLocked(c)
	if err != nil {
		return err
	}

	out := make([]byte, sv.voxels()*bpv)
	sv.eachRun(func(block [3]int, start, within, length int) {
		if data, ok := inst.voxels[block]; ok {
			copy(out[start*bpv:(start+length)*bpv], data[within*bpv:])
		}
	})
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, out)
}

func (s *Server) postRaw(c echo.Context) error {
	sv, err := parseSubvolume(c)
	if err != nil {
		return err
	}
	for i := range sv.dims {
		if sv.dims[i]%BlockSize != 0 || floorDiv(sv.offset[i], BlockSize)*BlockSize != sv.offset[i] {
			return echo.NewHTTPError(http.StatusBadRequest, "subvolume is not block aligned")
		}
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	inst, bpv, err := s.voxelInstanceLocked(c)
	if err != nil {
		return err
	}
	if len(body) != sv.voxels()*bpv {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("expected %d bytes, got %d", sv.voxels()*bpv, len(body)))
	}

	sv.eachRun(func(block [3]int, start, within, length int) {
		data, ok := inst.voxels[block]
		if !ok {
			data = make([]byte, BlockSize*BlockSize*BlockSize*bpv)
			inst.voxels[block] = data
		}
		copy(data[within*bpv:], body[start*bpv:(start+length)*bpv])
	})
	return c.NoContent(http.StatusOK)
}

// partition groups ROI blocks into cubes of batchsize blocks per edge.
func (s *Server) partition(c echo.Context) error {
	batch, err := strconv.Atoi(c.QueryParam("batchsize"))
	if err != nil || batch <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("bad batchsize %q", c.QueryParam("batchsize")))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.instanceLocked(c, TypeROI)
	if err != nil {
		return err
	}

	counts := make(map[[3]int]int)
	for b := range inst.blocks {
		counts[[3]int{floorDiv(b[0], batch), floorDiv(b[1], batch), floorDiv(b[2], batch)}]++
	}
	chunks := make([][3]int, 0, len(counts))
	for chunk := range counts {
		chunks = append(chunks, chunk)
	}
	slices.SortFunc(chunks, func(a, b [3]int) int {
		for i := range a {
			if a[i] != b[i] {
				return a[i] - b[i]
			}
		}
		return 0
	})

	edge := batch * BlockSize
	body := partitionBody{
		NumTotalBlocks:  len(chunks) * batch * batch * batch,
		NumActiveBlocks: len(inst.blocks),
		NumSubvolumes:   len(chunks),
		Subvolumes:      make([]partitionSubvolume, 0, len(chunks)),
	}
	for _, chunk := range chunks {
		// reported as x, y, z
		minChunk := [3]int{chunk[2] * batch, chunk[1] * batch, chunk[0] * batch}
		sv := partitionSubvolume{
			MinChunk:     minChunk,
			TotalVoxels:  edge * edge * edge,
			ActiveBlocks: counts[chunk],
		}
		for i := range minChunk {
			sv.MaxChunk[i] = minChunk[i] + batch - 1
			sv.MinPoint[i] = minChunk[i] * BlockSize
			sv.MaxPoint[i] = sv.MinPoint[i] + edge - 1
		}
		body.Subvolumes = append(body.Subvolumes, sv)
	}
	return c.JSON(http.StatusOK, body)
}
