package metrics

import (
	"math"
	"sync"
	"sync/atomic"
)

type Counter interface {
	Inc()
	Add(v float64)
}

type Gauge interface {
	Set(v float64)
}

type Factory interface {
	CreateCounter(name string, description string) (Counter, error)

	CreateGauge(name string, description string) (Gauge, error)

	Start() error

	Stop() error
}

// FakeFactory keeps metric values in memory so tests can read them back.
type FakeFactory struct {
	lock   sync.Mutex
	values map[string]*fakeValue
}

var _ Factory = &FakeFactory{}

func NewFakeFactory() *FakeFactory {
	return &FakeFactory{values: make(map[string]*fakeValue)}
}

func (f *FakeFactory) CreateCounter(name string, description string) (Counter, error) {
	return f.value(name), nil
}

func (f *FakeFactory) CreateGauge(name string, description string) (Gauge, error) {
	return f.value(name), nil
}

func (f *FakeFactory) value(name string) *fakeValue {
	f.lock.Lock()
	defer f.lock.Unlock()
	v, ok := f.values[name]
	if !ok {
		v = &fakeValue{}
		f.values[name] = v
	}
	return v
}

// Value returns the current value of the counter or gauge, zero if it was never created.
func (f *FakeFactory) Value(name string) float64 {
	return f.value(name).get()
}

func (f *FakeFactory) Start() error {
	return nil
}

func (f *FakeFactory) Stop() error {
	return nil
}

type fakeValue struct {
	bits uint64
}

func (v *fakeValue) Inc() {
	v.Add(1)
}

func (v *fakeValue) Add(delta float64) {
	for {
		old := atomic.LoadUint64(&v.bits)
		n := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(&v.bits, old, n) {
			return
		}
	}
}

func (v *fakeValue) Set(val float64) {
	atomic.StoreUint64(&v.bits, math.Float64bits(val))
}

func (v *fakeValue) get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&v.bits))
}
