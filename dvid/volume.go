package dvid

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/gaborage/go-dvid/connection"
)

// DimsZYX is the extent of a subvolume in voxels, in z, y, x order.
type DimsZYX [3]int

// Voxels returns the number of voxels in the subvolume.
func (d DimsZYX) Voxels() int {
	return d[0] * d[1] * d[2]
}

func validateDims(dims DimsZYX) error {
	if dims[0] <= 0 || dims[1] <= 0 || dims[2] <= 0 {
		return connection.NewValidationError(fmt.Sprintf("dimensions %v must be positive", dims), "dims")
	}
	return nil
}

// validateAligned rejects writes DVID would refuse: voxel POSTs must cover
// whole blocks.
func validateAligned(dims DimsZYX, offset PointZYX) error {
	for i := range dims {
		if offset[i]%BlockSize != 0 {
			return connection.NewValidationError(
				fmt.Sprintf("offset %v is not aligned to %d-voxel blocks", offset, BlockSize), "offset")
		}
		if dims[i]%BlockSize != 0 {
			return connection.NewValidationError(
				fmt.Sprintf("dimensions %v are not a multiple of %d voxels", dims, BlockSize), "dims")
		}
	}
	return nil
}

// rawPath addresses a subvolume of a voxel instance. DVID spells both size and
// offset in x, y, z order.
func (n *NodeService) rawPath(name string, dims DimsZYX, offset PointZYX) string {
	return n.path(name, "raw", "0_1_2",
		fmt.Sprintf("%d_%d_%d", dims[2], dims[1], dims[0]),
		fmt.Sprintf("%d_%d_%d", offset[2], offset[1], offset[0]))
}

// CreateGrayscale8 creates an 8-bit grayscale instance. It returns false if an
// instance with that name already exists.
func (n *NodeService) CreateGrayscale8(ctx context.Context, name string) (bool, error) {
	return n.CreateInstance(ctx, TypeGrayscale8, name)
}

// CreateLabelblk creates a 64-bit label instance. When labelvol is not empty a
// labelvol instance of that name is created as well and the two are synced
// both ways. The result reports whether the labelblk instance was created.
func (n *NodeService) CreateLabelblk(ctx context.Context, name, labelvol string) (bool, error) {
	created, err := n.CreateInstance(ctx, TypeLabelblk, name)
	if err != nil || labelvol == "" {
		return created, err
	}
	if _, err := n.CreateInstance(ctx, TypeLabelvol, labelvol); err != nil {
		return created, fmt.Errorf("labelvol %q: %w", labelvol, err)
	}
	if err := n.Sync(ctx, name, labelvol); err != nil {
		return created, err
	}
	if err := n.Sync(ctx, labelvol, name); err != nil {
		return created, err
	}
	return created, nil
}

// PutGray3D writes a block-aligned grayscale subvolume. data holds one byte
// per voxel with x varying fastest.
func (n *NodeService) PutGray3D(ctx context.Context, name string, data []byte, dims DimsZYX, offset PointZYX) error {
	if err := n.validateWrite(name, dims, offset, len(data)); err != nil {
		return err
	}
	return n.putRaw(ctx, name, dims, offset, data)
}

// GetGray3D reads a grayscale subvolume of any shape. Voxels never written read
// as zero.
func (n *NodeService) GetGray3D(ctx context.Context, name string, dims DimsZYX, offset PointZYX) ([]byte, error) {
	return n.getRaw(ctx, name, dims, offset, 1)
}

// PutLabels3D writes a block-aligned label subvolume with x varying fastest.
func (n *NodeService) PutLabels3D(ctx context.Context, name string, labels []uint64, dims DimsZYX, offset PointZYX) error {
	if err := n.validateWrite(name, dims, offset, len(labels)); err != nil {
		return err
	}
	data := make([]byte, 0, len(labels)*8)
	for _, label := range labels {
		data = binary.LittleEndian.AppendUint64(data, label)
	}
	return n.putRaw(ctx, name, dims, offset, data)
}

// GetLabels3D reads a label subvolume of any shape.
func (n *NodeService) GetLabels3D(ctx context.Context, name string, dims DimsZYX, offset PointZYX) ([]uint64, error) {
	data, err := n.getRaw(ctx, name, dims, offset, 8)
	if err != nil {
		return nil, err
	}
	labels := make([]uint64, len(data)/8)
	for i := range labels {
		labels[i] = binary.LittleEndian.Uint64(data[i*8:])
	}
	return labels, nil
}

func (n *NodeService) validateWrite(name string, dims DimsZYX, offset PointZYX, voxels int) error {
	if err := validateInput(&instanceRef{Name: name}); err != nil {
		return err
	}
	if err := validateDims(dims); err != nil {
		return err
	}
	if err := validateAligned(dims, offset); err != nil {
		return err
	}
	if voxels != dims.Voxels() {
		return connection.NewValidationError(
			fmt.Sprintf("got %d voxels for dimensions %v", voxels, dims), "data")
	}
	return nil
}

// putRaw overwrites voxels, so the POST is retried like a GET.
func (n *NodeService) putRaw(ctx context.Context, name string, dims DimsZYX, offset PointZYX, data []byte) error {
	_, err := n.server.conn.Post(ctx, n.rawPath(name, dims, offset), data,
		connection.WithIdempotent(),
		connection.WithContentType(connection.ContentTypeOctetStream))
	return err
}

func (n *NodeService) getRaw(ctx context.Context, name string, dims DimsZYX, offset PointZYX, bytesPerVoxel int) ([]byte, error) {
	if err := validateInput(&instanceRef{Name: name}); err != nil {
		return nil, err
	}
	if err := validateDims(dims); err != nil {
		return nil, err
	}
	resp, err := n.server.conn.Get(ctx, n.rawPath(name, dims, offset))
	if err != nil {
		return nil, err
	}
	if want := dims.Voxels() * bytesPerVoxel; len(resp.Body) != want {
		return nil, connection.NewDecodeError(
			fmt.Sprintf("subvolume %v returned %d bytes, expected %d", dims, len(resp.Body), want),
			nil, nil)
	}
	return resp.Body, nil
}
