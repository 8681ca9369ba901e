package decode

// PointSink consumes decoded points. AddPoints is called at most once per
// packet with the points in emission order. The decoder never touches the
// slice again after the call; sinks sharing it must not modify it.
type PointSink interface {
	AddPoints(points []Point)
}

// PointSinkFunc adapts a function to PointSink.
type PointSinkFunc func(points []Point)

// AddPoints implements PointSink.
func (f PointSinkFunc) AddPoints(points []Point) {
	f(points)
}

// SliceSink appends every point it receives. Useful for replay and tests.
type SliceSink struct {
	Points []Point
	Calls  int
}

// AddPoints implements PointSink.
func (s *SliceSink) AddPoints(points []Point) {
	s.Calls++
	s.Points = append(s.Points, points...)
}

// Reset drops collected points.
func (s *SliceSink) Reset() {
	s.Points = s.Points[:0]
	s.Calls = 0
}

// MultiSink fans points out to several sinks in order.
type MultiSink []PointSink

// AddPoints implements PointSink.
func (m MultiSink) AddPoints(points []Point) {
	for _, s := range m {
		if s != nil {
			s.AddPoints(points)
		}
	}
}
