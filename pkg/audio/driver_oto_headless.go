//go:build headless

package audio

// OtoDriver is unavailable in headless builds.
type OtoDriver struct {
	HeadlessDriver
}

func NewOtoDriver(cfg DriverConfig) (*OtoDriver, error) {
	return nil, ErrBackendUnavailable
}
