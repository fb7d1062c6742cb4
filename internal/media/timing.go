package media

// Timing converts between frame numbers and milliseconds and exposes the
// keyframe list. Real projects plug in a demuxer-backed implementation;
// sessions without video use a constant frame rate.
type Timing interface {
	FrameAtTime(ms int) int
	TimeAtFrame(frame int) int
	Keyframes() []int
}

// CFRTiming is constant-frame-rate timing expressed as a rational
// num/den frames per second (e.g. 24000/1001).
type CFRTiming struct {
	num int64
	den int64
	kfs []int
}

// NewCFRTiming builds a CFR timing source. den defaults to 1.
func NewCFRTiming(num, den int64, keyframes []int) *CFRTiming {
	if den <= 0 {
		den = 1
	}
	return &CFRTiming{num: num, den: den, kfs: keyframes}
}

// FPS returns frames per second as a float, for reporting.
func (t *CFRTiming) FPS() float64 {
	if t.den == 0 {
		return 0
	}
	return float64(t.num) / float64(t.den)
}

func (t *CFRTiming) FrameAtTime(ms int) int {
	if t.num <= 0 {
		return 0
	}
	return int(int64(ms) * t.num / (t.den * 1000))
}

func (t *CFRTiming) TimeAtFrame(frame int) int {
	if t.num <= 0 {
		return 0
	}
	return int(int64(frame) * t.den * 1000 / t.num)
}

func (t *CFRTiming) Keyframes() []int { return t.kfs }
