package harness_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accelrun/core/artifact"
	"accelrun/core/harness"
	"accelrun/core/native"
	"accelrun/core/tensor"
	"accelrun/driver/sim"
	"accelrun/node/pool"
)

func executable(t *testing.T, m sim.Manifest) *artifact.Executable {
	t.Helper()
	return must.M1(artifact.FromBytes(t.Name(), m.Encode(), artifact.Options{}))
}

func writeExecutable(t *testing.T, m sim.Manifest) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.axsim")
	require.NoError(t, os.WriteFile(path, m.Encode(), 0o644))
	return path
}

func openSession(t *testing.T, drv *sim.Driver) *harness.Session {
	t.Helper()
	s, err := harness.Open(context.Background(), drv, 0, harness.SessionOptions{Locks: pool.NewDeviceLocks()})
	require.NoError(t, err)
	return s
}

func assertNoLeaks(t *testing.T, drv *sim.Driver) {
	t.Helper()
	stats := drv.Stats()
	assert.Equal(t, 0, stats.LiveRegions, "live regions")
	assert.Equal(t, 0, stats.InvalidFrees, "invalid or double frees")
	assert.Equal(t, stats.Opens, stats.Closes, "device opens vs closes")
	assert.Equal(t, stats.Loads, stats.Unloads, "loads vs unloads")
}

func TestIdentityRoundTrip(t *testing.T) {
	drv := sim.New(sim.Config{})
	spec := tensor.MakeSpec("x", dtypes.Float32, 16)
	s := openSession(t, drv)
	require.NoError(t, s.Load(context.Background(), executable(t, sim.Unary(sim.OpIdentity, spec))))

	in := must.M1(s.Allocate(spec, harness.Input))
	out := must.M1(s.Allocate(tensor.MakeSpec("x_out", dtypes.Float32, 16), harness.Output))
	assert.Equal(t, 64, in.ByteSize())

	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i * 7)
	}
	require.NoError(t, s.Upload(in, data))

	req := harness.NewRequest(s, []*harness.TensorBuffer{in}, []*harness.TensorBuffer{out})
	_, err := s.Download(out)
	assert.True(t, errors.Is(err, harness.ErrIncompleteExecution), "download before run: %v", err)
	_, err = harness.Extract(req)
	assert.True(t, errors.Is(err, harness.ErrIncompleteExecution), "extract before run: %v", err)

	inv := harness.Invoker{Timeout: 5 * time.Second}
	require.NoError(t, inv.Bind(req))
	assert.Equal(t, harness.Bound, req.State())
	require.NoError(t, inv.Run(context.Background(), req))
	assert.Equal(t, harness.Completed, req.State())

	outputs, err := harness.Extract(req)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, 64, outputs[0].Len())
	assert.True(t, bytes.Equal(data, outputs[0].Data()))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assertNoLeaks(t, drv)
	assert.Equal(t, 2, drv.Stats().Frees)
}

func TestUploadChecksSize(t *testing.T) {
	drv := sim.New(sim.Config{})
	spec := tensor.MakeSpec("x", dtypes.Float32, 4)
	s := openSession(t, drv)
	defer s.Close()

	in := must.M1(s.Allocate(spec, harness.Input))
	out := must.M1(s.Allocate(spec, harness.Output))
	for _, n := range []int{0, 15, 17, 32} {
		err := s.Upload(in, make([]byte, n))
		assert.True(t, errors.Is(err, harness.ErrShapeMismatch), "%d bytes: %v", n, err)
	}
	require.NoError(t, s.Upload(in, make([]byte, 16)))
	assert.True(t, in.Uploaded())

	err := s.Upload(out, make([]byte, 16))
	assert.True(t, errors.Is(err, harness.ErrShapeMismatch), "upload to output: %v", err)

	i32 := must.M1(tensor.FromInt32s("x", []int32{1, 2, 3, 4}))
	err = s.UploadTensor(in, i32)
	assert.True(t, errors.Is(err, harness.ErrShapeMismatch), "wrong dtype: %v", err)

	_, err = s.Allocate(tensor.MakeSpec("bad", dtypes.Float32, 0), harness.Input)
	assert.True(t, errors.Is(err, harness.ErrShapeMismatch))
}

func TestCloseIsIdempotent(t *testing.T) {
	drv := sim.New(sim.Config{})
	spec := tensor.MakeSpec("x", dtypes.Float32, 4)
	s := openSession(t, drv)
	require.NoError(t, s.Load(context.Background(), executable(t, sim.Unary(sim.OpReLU, spec))))
	in := must.M1(s.Allocate(spec, harness.Input))
	_ = must.M1(s.Allocate(spec, harness.Output))

	require.NoError(t, s.Close())
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Close())
	}
	assert.True(t, s.Closed())
	assertNoLeaks(t, drv)
	assert.Equal(t, 2, drv.Stats().Frees)
	assert.Equal(t, 0, drv.Stats().ReclaimedAtClose)

	err := s.Upload(in, make([]byte, 16))
	assert.True(t, errors.Is(err, harness.ErrSessionClosed), "%v", err)
	_, err = s.Allocate(spec, harness.Input)
	assert.True(t, errors.Is(err, harness.ErrSessionClosed), "%v", err)
	err = s.Load(context.Background(), executable(t, sim.Unary(sim.OpReLU, spec)))
	assert.True(t, errors.Is(err, harness.ErrSessionClosed), "%v", err)
}

func TestOpenMissingDevice(t *testing.T) {
	drv := sim.New(sim.Config{Devices: 2})
	locks := pool.NewDeviceLocks()
	for _, index := range []int{-1, 2, 99} {
		_, err := harness.Open(context.Background(), drv, index, harness.SessionOptions{Locks: locks})
		require.Error(t, err)
		assert.Equal(t, harness.DeviceUnavailable, harness.KindOf(err), "index %d: %v", index, err)
		assert.True(t, errors.Is(err, native.ErrNoDevice))
	}
	assert.Equal(t, 0, drv.Stats().Opens)

	s, err := harness.Open(context.Background(), drv, 1, harness.SessionOptions{Locks: locks})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assertNoLeaks(t, drv)

	_, err = harness.Open(context.Background(), nil, 0, harness.SessionOptions{Locks: locks})
	assert.True(t, errors.Is(err, harness.ErrDeviceUnavailable))
}

func TestOpenWaitsForDeviceLock(t *testing.T) {
	drv := sim.New(sim.Config{})
	locks := pool.NewDeviceLocks()
	first, err := harness.Open(context.Background(), drv, 0, harness.SessionOptions{Locks: locks})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = harness.Open(ctx, drv, 0, harness.SessionOptions{Locks: locks})
	assert.Equal(t, harness.DeviceUnavailable, harness.KindOf(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "%v", err)

	opened := make(chan *harness.Session, 1)
	go func() {
		s, err := harness.Open(context.Background(), drv, 0, harness.SessionOptions{Locks: locks})
		if err == nil {
			opened <- s
		}
		close(opened)
	}()
	require.NoError(t, first.Close())
	select {
	case s, ok := <-opened:
		require.True(t, ok, "second open failed")
		require.NoError(t, s.Close())
	case <-time.After(5 * time.Second):
		t.Fatal("second open never acquired the device")
	}
	assertNoLeaks(t, drv)
}

func TestLoadRejected(t *testing.T) {
	drv := sim.New(sim.Config{})
	s := openSession(t, drv)
	defer s.Close()

	err := s.Load(context.Background(), executable(t, sim.Manifest{Op: sim.OpReject}))
	assert.True(t, errors.Is(err, harness.ErrLoadRejected), "%v", err)

	err = s.Load(context.Background(), nil)
	assert.True(t, errors.Is(err, harness.ErrLoad), "%v", err)

	spec := tensor.MakeSpec("x", dtypes.Float32, 4)
	require.NoError(t, s.Load(context.Background(), executable(t, sim.Unary(sim.OpIdentity, spec))))
	err = s.Load(context.Background(), executable(t, sim.Unary(sim.OpIdentity, spec)))
	assert.True(t, errors.Is(err, harness.ErrLoadRejected), "second load: %v", err)
}

func TestAllocationFailed(t *testing.T) {
	drv := sim.New(sim.Config{MemoryBytes: 1024})
	s := openSession(t, drv)
	_, err := s.Allocate(tensor.MakeSpec("big", dtypes.Float32, 512), harness.Input)
	assert.True(t, errors.Is(err, harness.ErrAllocationFailed), "%v", err)
	assert.True(t, errors.Is(err, native.ErrOutOfMemory))
	require.NoError(t, s.Close())
	assertNoLeaks(t, drv)
}

func TestBindValidatesBuffers(t *testing.T) {
	drv := sim.New(sim.Config{})
	spec := tensor.MakeSpec("x", dtypes.Float32, 4)
	s := openSession(t, drv)
	defer s.Close()
	require.NoError(t, s.Load(context.Background(), executable(t, sim.Unary(sim.OpIdentity, spec))))

	in := must.M1(s.Allocate(spec, harness.Input))
	out := must.M1(s.Allocate(spec, harness.Output))
	wrong := must.M1(s.Allocate(tensor.MakeSpec("y", dtypes.Float32, 8), harness.Output))
	inv := harness.Invoker{}

	err := inv.Bind(harness.NewRequest(s, []*harness.TensorBuffer{in}, []*harness.TensorBuffer{out}))
	assert.True(t, errors.Is(err, harness.ErrExecution), "not uploaded: %v", err)

	require.NoError(t, s.Upload(in, make([]byte, 16)))
	err = inv.Bind(harness.NewRequest(s, []*harness.TensorBuffer{in}, []*harness.TensorBuffer{wrong}))
	assert.True(t, errors.Is(err, harness.ErrShapeMismatch), "wrong shape: %v", err)
	err = inv.Bind(harness.NewRequest(s, []*harness.TensorBuffer{in}, nil))
	assert.True(t, errors.Is(err, harness.ErrShapeMismatch), "missing output: %v", err)

	req := harness.NewRequest(s, []*harness.TensorBuffer{in}, []*harness.TensorBuffer{out})
	err = inv.Run(context.Background(), req)
	assert.True(t, errors.Is(err, harness.ErrExecution), "run before bind: %v", err)
	assert.Equal(t, harness.Idle, req.State())
	assert.NoError(t, s.Poisoned(), "precondition failures do not poison")
}

func TestRunFourThousandElements(t *testing.T) {
	drv := sim.New(sim.Config{})
	opts := harness.Options{Driver: drv, Timeout: 10 * time.Second, Locks: pool.NewDeviceLocks()}

	flat := tensor.MakeSpec("logits", dtypes.Float32, 4096)
	values := make([]float32, 4096)
	for i := range values {
		values[i] = float32(i%97) / 10
	}
	input := must.M1(tensor.FromFloat32s("logits", values))
	result, err := harness.RunExecutable(context.Background(), writeExecutable(t, sim.Unary(sim.OpSoftmax, flat)),
		[]tensor.HostTensor{input}, nil, nil, opts)
	require.NoError(t, err)
	assert.Equal(t, harness.Completed, result.State)
	require.Len(t, result.Outputs, 1)
	probs := must.M1(result.Outputs[0].Float32s())
	require.Len(t, probs, 4096)
	var sum float64
	for _, p := range probs {
		require.True(t, p > 0 && p < 1, "probability %v out of range", p)
		sum += float64(p)
	}
	assert.InDelta(t, 1, sum, 1e-3)

	// Attention over a [64, 64] sequence: every output lies within its column's input range.
	square := tensor.MakeSpec("x", dtypes.Float32, 64, 64)
	result, err = harness.RunExecutable(context.Background(), writeExecutable(t, sim.Unary(sim.OpAttention, square)),
		[]tensor.HostTensor{must.M1(tensor.FromFloat32s("x", values, 64, 64))}, nil, nil, opts)
	require.NoError(t, err)
	attended := must.M1(result.Outputs[0].Float32s())
	for i, v := range attended {
		assert.True(t, v >= -1e-4 && v <= 9.6+1e-4, "element %d = %v", i, v)
	}
	assert.Positive(t, result.ExecTime)
	assertNoLeaks(t, drv)
}

func TestRunExecutableZeroFillsAndSaves(t *testing.T) {
	drv := sim.New(sim.Config{})
	outDir := t.TempDir()
	a := tensor.MakeSpec("a", dtypes.Float32, 8)
	b := tensor.MakeSpec("b", dtypes.Float32, 8)
	m := sim.Unary(sim.OpScale, a, b)
	m.Alpha = 2

	given := must.M1(tensor.FromFloat32s("b", []float32{1, 2, 3, 4, 5, 6, 7, 8}))
	result, err := harness.RunExecutable(context.Background(), writeExecutable(t, m), []tensor.HostTensor{given}, nil, nil,
		harness.Options{Driver: drv, OutputDir: outDir, Locks: pool.NewDeviceLocks()})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, result.ZeroFilled)
	assert.Equal(t, make([]float32, 8), must.M1(result.Outputs[0].Float32s()))
	assert.Equal(t, []float32{2, 4, 6, 8, 10, 12, 14, 16}, must.M1(result.Outputs[1].Float32s()))

	require.Len(t, result.OutputFiles, 2)
	saved := must.M1(os.ReadFile(filepath.Join(outDir, "b_out.out")))
	assert.Equal(t, result.Outputs[1].Data(), saved)
	assertNoLeaks(t, drv)
}

func TestRunShapesDeclaresExternalSpecs(t *testing.T) {
	drv := sim.New(sim.Config{})
	spec := tensor.MakeSpec("x", dtypes.Float32, 4)
	result, err := harness.RunShapes(context.Background(), writeExecutable(t, sim.Unary(sim.OpIdentity, spec)),
		[]tensor.Spec{spec}, []tensor.Spec{tensor.MakeSpec("y", dtypes.Float32, 4)},
		harness.Options{Driver: drv, Locks: pool.NewDeviceLocks()})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), result.Outputs[0].Data())

	_, err = harness.RunShapes(context.Background(), filepath.Join(t.TempDir(), "missing"), nil, nil,
		harness.Options{Driver: drv, Locks: pool.NewDeviceLocks()})
	assert.True(t, errors.Is(err, harness.ErrLoad), "%v", err)
	assertNoLeaks(t, drv)
}

func TestExecutionFailureCarriesStatus(t *testing.T) {
	drv := sim.New(sim.Config{})
	s := openSession(t, drv)
	require.NoError(t, s.Load(context.Background(), executable(t, sim.Manifest{Op: sim.OpFail, Status: 1003})))
	req := harness.NewRequest(s, nil, nil)
	inv := harness.Invoker{}
	require.NoError(t, inv.Bind(req))
	err := inv.Run(context.Background(), req)

	var he *harness.Error
	require.True(t, errors.As(err, &he), "%v", err)
	assert.Equal(t, harness.ExecutionError, he.Kind)
	assert.Equal(t, 1003, he.Code)
	assert.Equal(t, harness.Failed, req.State())
	assert.Error(t, s.Poisoned())

	_, err = s.Allocate(tensor.MakeSpec("x", dtypes.Float32, 4), harness.Input)
	assert.True(t, errors.Is(err, harness.ErrSessionPoisoned), "%v", err)
	require.NoError(t, s.Close())
	assertNoLeaks(t, drv)
}

func TestTimeoutPoisonsSession(t *testing.T) {
	drv := sim.New(sim.Config{})
	spec := tensor.MakeSpec("x", dtypes.Float32, 4)
	hang := sim.Manifest{Op: sim.OpHang, Inputs: []tensor.Spec{spec}}
	locks := pool.NewDeviceLocks()

	start := time.Now()
	result, err := harness.RunExecutable(context.Background(), writeExecutable(t, hang), nil, nil, nil,
		harness.Options{Driver: drv, Timeout: 50 * time.Millisecond, Locks: locks})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, errors.Is(err, harness.ErrExecution), "%v", err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "%v", err)
	assert.Equal(t, harness.Failed, result.State)

	// The abandoned execution was released by the device close and the device is usable again.
	assert.False(t, locks.Held(pool.DeviceKey(sim.Name, 0)))
	stats := drv.Stats()
	assert.Equal(t, 0, stats.LiveRegions)
	assert.Equal(t, 1, stats.ReclaimedAtClose)
	s, err := harness.Open(context.Background(), drv, 0, harness.SessionOptions{Locks: locks})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestCancelledContextAbandonsRun(t *testing.T) {
	drv := sim.New(sim.Config{})
	s := openSession(t, drv)
	require.NoError(t, s.Load(context.Background(), executable(t, sim.Manifest{Op: sim.OpHang})))
	req := harness.NewRequest(s, nil, nil)
	inv := harness.Invoker{}
	require.NoError(t, inv.Bind(req))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	err := inv.Run(ctx, req)
	assert.True(t, errors.Is(err, context.Canceled), "%v", err)
	assert.True(t, errors.Is(s.Poisoned(), harness.ErrExecution))

	err = inv.Bind(harness.NewRequest(s, nil, nil))
	assert.True(t, errors.Is(err, harness.ErrSessionPoisoned), "%v", err)
	require.NoError(t, s.Close())
	assert.Equal(t, 0, drv.Stats().LiveRegions)
	assert.Equal(t, drv.Stats().Opens, drv.Stats().Closes)
}

type panickyDriver struct{ *sim.Driver }

func (p panickyDriver) Open(index int) (native.Device, error) {
	dev, err := p.Driver.Open(index)
	if err != nil {
		return nil, err
	}
	return panickyDevice{dev}, nil
}

type panickyDevice struct{ native.Device }

func (panickyDevice) Allocate(tensor.Spec) (native.Region, error) {
	panic("allocator state corrupted")
}

func TestDriverPanicBecomesDriverError(t *testing.T) {
	drv := sim.New(sim.Config{})
	s, err := harness.Open(context.Background(), panickyDriver{drv}, 0, harness.SessionOptions{Locks: pool.NewDeviceLocks()})
	require.NoError(t, err)
	_, err = s.Allocate(tensor.MakeSpec("x", dtypes.Float32, 4), harness.Input)
	assert.True(t, errors.Is(err, harness.ErrDriver), "%v", err)
	assert.Contains(t, err.Error(), "allocator state corrupted")
	require.NoError(t, s.Close())
}

func TestAllocateRejectsOverflowingShape(t *testing.T) {
	drv := sim.New(sim.Config{})
	s := openSession(t, drv)
	for _, shape := range [][]int{{1 << 32, 1 << 32}, {3037000500, 3037000500}} {
		_, err := s.Allocate(tensor.MakeSpec("x", dtypes.Float32, shape...), harness.Input)
		assert.True(t, errors.Is(err, harness.ErrShapeMismatch), "shape %v: %v", shape, err)
	}
	assert.Equal(t, 0, drv.Stats().LiveRegions)

	huge := tensor.MakeSpec("x", dtypes.Float32, 1<<32, 1<<32)
	_, err := harness.RunShapes(context.Background(),
		writeExecutable(t, sim.Unary(sim.OpIdentity, tensor.MakeSpec("x", dtypes.Float32, 4))),
		[]tensor.Spec{huge}, nil, harness.Options{Driver: drv, Locks: pool.NewDeviceLocks()})
	assert.Error(t, err)
	require.NoError(t, s.Close())
	assertNoLeaks(t, drv)
}

// failingDriver opens devices whose Execute fails with a fixed error.
type failingDriver struct {
	*sim.Driver
	err error
}

func (f failingDriver) Open(index int) (native.Device, error) {
	dev, err := f.Driver.Open(index)
	if err != nil {
		return nil, err
	}
	return failingDevice{Device: dev, err: f.err}, nil
}

type failingDevice struct {
	native.Device
	err error
}

func (d failingDevice) Execute(native.Model, []native.Region, []native.Region) error { return d.err }

func TestExecuteFailureIsExecutionError(t *testing.T) {
	spec := tensor.MakeSpec("x", dtypes.Float32, 4)
	for _, cause := range []error{
		native.ErrOutOfMemory,
		fmt.Errorf("%w: %w", native.ErrNoDevice, &native.StatusError{Op: "nrt_execute", Code: 4, Message: "NRT_RESOURCE"}),
	} {
		drv := sim.New(sim.Config{})
		s, err := harness.Open(context.Background(), failingDriver{drv, cause}, 0,
			harness.SessionOptions{Locks: pool.NewDeviceLocks()})
		require.NoError(t, err)
		require.NoError(t, s.Load(context.Background(), executable(t, sim.Unary(sim.OpIdentity, spec))))
		in := must.M1(s.Allocate(spec, harness.Input))
		out := must.M1(s.Allocate(spec, harness.Output))
		require.NoError(t, s.Upload(in, make([]byte, 16)))

		req := harness.NewRequest(s, []*harness.TensorBuffer{in}, []*harness.TensorBuffer{out})
		inv := harness.Invoker{}
		require.NoError(t, inv.Bind(req))
		err = inv.Run(context.Background(), req)
		assert.Equal(t, harness.ExecutionError, harness.KindOf(err), "%v", err)
		assert.True(t, errors.Is(err, cause), "%v", err)
		assert.NotEqual(t, harness.AllocationFailed.ExitCode(), harness.KindOf(err).ExitCode())
		require.NoError(t, s.Close())
	}
}

// gatedDevice passes the first Execute through and blocks later ones until release closes.
type gatedDevice struct {
	native.Device
	calls   *int
	release chan struct{}
}

func (d gatedDevice) Execute(m native.Model, inputs, outputs []native.Region) error {
	*d.calls++
	if *d.calls > 1 {
		<-d.release
	}
	return d.Device.Execute(m, inputs, outputs)
}

type gatedDriver struct {
	*sim.Driver
	calls   *int
	release chan struct{}
}

func (g gatedDriver) Open(index int) (native.Device, error) {
	dev, err := g.Driver.Open(index)
	if err != nil {
		return nil, err
	}
	return gatedDevice{Device: dev, calls: g.calls, release: g.release}, nil
}

func TestDownloadRefusedAfterAbandonedRun(t *testing.T) {
	drv := sim.New(sim.Config{})
	release := make(chan struct{})
	s, err := harness.Open(context.Background(), gatedDriver{drv, new(int), release}, 0,
		harness.SessionOptions{Locks: pool.NewDeviceLocks()})
	require.NoError(t, err)
	spec := tensor.MakeSpec("x", dtypes.Float32, 4)
	require.NoError(t, s.Load(context.Background(), executable(t, sim.Unary(sim.OpIdentity, spec))))
	in := must.M1(s.Allocate(spec, harness.Input))
	require.NoError(t, s.Upload(in, make([]byte, 16)))
	first := must.M1(s.Allocate(spec, harness.Output))
	second := must.M1(s.Allocate(spec, harness.Output))

	inv := harness.Invoker{Timeout: 50 * time.Millisecond}
	done := harness.NewRequest(s, []*harness.TensorBuffer{in}, []*harness.TensorBuffer{first})
	require.NoError(t, inv.Bind(done))
	require.NoError(t, inv.Run(context.Background(), done))
	_, err = s.Download(first)
	require.NoError(t, err)

	hung := harness.NewRequest(s, []*harness.TensorBuffer{in}, []*harness.TensorBuffer{second})
	require.NoError(t, inv.Bind(hung))
	err = inv.Run(context.Background(), hung)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "%v", err)

	_, err = s.Download(first)
	assert.True(t, errors.Is(err, harness.ErrSessionPoisoned), "%v", err)
	assert.True(t, errors.Is(err, harness.ErrIncompleteExecution), "%v", err)

	close(release)
	require.NoError(t, s.Close())
}

func TestRunLoadedWithoutExecutable(t *testing.T) {
	drv := sim.New(sim.Config{})
	_, err := harness.RunLoaded(context.Background(), nil, nil, harness.Options{Driver: drv, Locks: pool.NewDeviceLocks()})
	assert.True(t, errors.Is(err, harness.ErrLoad), "%v", err)
	assert.Equal(t, 0, drv.Stats().Opens)
}

func TestKindExitCodes(t *testing.T) {
	for k := harness.LoadError; k <= harness.IncompleteExecution; k++ {
		got, ok := harness.KindFromExitCode(k.ExitCode())
		require.True(t, ok)
		assert.Equal(t, k, got)
		assert.Equal(t, k, harness.ParseKind(k.String()))
	}
	for _, code := range []int{0, 1, 2, 134, 139} {
		_, ok := harness.KindFromExitCode(code)
		assert.False(t, ok, "code %d", code)
	}
}
