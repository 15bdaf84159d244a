//go:build !gpu

package cl

// nativeDriver is a placeholder when OpenCL support is not compiled.
type nativeDriver struct{}

// NewNativeDriver returns the OpenCL driver. Without the gpu build tag every
// call reports ErrNotBuilt.
func NewNativeDriver() Driver {
	return nativeDriver{}
}

func (nativeDriver) Name() string { return DriverOpenCL }

func (nativeDriver) Platforms() ([]Platform, error) {
	return nil, ErrNotBuilt
}
