package decode

import "time"

// TimingModel supplies the firing schedule of a device model.
type TimingModel interface {
	// FiringDelay is the time from the packet base timestamp to the firing
	// of the given channel in the given block.
	FiringDelay(block int, bank Bank, channel int) time.Duration

	// CycleDuration is the time between consecutive firing cycles. Zero
	// disables the per-channel azimuth correction.
	CycleDuration() time.Duration
}

// UniformTiming fires blocks at a fixed interval and channels within a block
// at a fixed spacing. The zero value applies no timing corrections.
type UniformTiming struct {
	BlockInterval   time.Duration
	ChannelInterval time.Duration
}

// FiringDelay implements TimingModel.
func (u UniformTiming) FiringDelay(block int, _ Bank, channel int) time.Duration {
	return time.Duration(block)*u.BlockInterval + time.Duration(channel)*u.ChannelInterval
}

// CycleDuration implements TimingModel.
func (u UniformTiming) CycleDuration() time.Duration {
	return u.BlockInterval
}
