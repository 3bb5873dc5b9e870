package prof

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"runtime"
	rpprof "runtime/pprof"
	"sync"

	"github.com/spf13/afero"

	"github.com/ardnew/usbuart/pkg"
)

// Profiling errors.
var (
	// ErrCPUProfileActive indicates CPU profiling is already active.
	ErrCPUProfileActive = errors.New("cpu profile already active")

	// ErrInvalidProfile indicates an invalid or unsupported profile type.
	ErrInvalidProfile = errors.New("invalid profile")
)

// Profile represents a pprof profile type.
type Profile string

// Profile type constants.
const (
	ProfileCPU       Profile = "cpu"
	ProfileHeap      Profile = "heap"
	ProfileAllocs    Profile = "allocs"
	ProfileGoroutine Profile = "goroutine"
	ProfileBlock     Profile = "block"
	ProfileMutex     Profile = "mutex"
)

// String returns the string representation of the profile type.
func (p Profile) String() string {
	return string(p)
}

var (
	// cpuMutex protects CPU profiling state.
	cpuMutex  sync.Mutex
	cpuActive bool
)

// StartCPU starts CPU profiling into path on fs. The returned function stops
// profiling and closes the file.
func StartCPU(fs afero.Fs, path string) (stop func() error, err error) {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()

	if cpuActive {
		return nil, ErrCPUProfileActive
	}

	f, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("cpu profile: %w", err)
	}
	if err := rpprof.StartCPUProfile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("cpu profile: %w", err)
	}
	cpuActive = true
	pkg.LogInfo(pkg.ComponentProf, "cpu profiling started", "path", path)

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			cpuMutex.Lock()
			defer cpuMutex.Unlock()
			rpprof.StopCPUProfile()
			cpuActive = false
			err = f.Close()
		})
		return err
	}, nil
}

// IsCPUActive reports whether CPU profiling is currently active.
func IsCPUActive() bool {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()
	return cpuActive
}

// Write writes the named profile to path on fs in protobuf format.
func Write(fs afero.Fs, profile Profile, path string) error {
	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("%s profile: %w", profile, err)
	}
	if err := WriteTo(profile, f, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteTo writes the named profile to w. Debug level 0 produces protobuf
// output for go tool pprof; 1 produces text. The CPU profile is not a
// snapshot and returns ErrInvalidProfile; use StartCPU.
func WriteTo(profile Profile, w io.Writer, debug int) error {
	if profile == ProfileCPU {
		return fmt.Errorf("%s: %w", profile, ErrInvalidProfile)
	}
	p := rpprof.Lookup(string(profile))
	if p == nil {
		return fmt.Errorf("%s: %w", profile, ErrInvalidProfile)
	}
	return p.WriteTo(w, debug)
}

// SetBlockProfileRate controls the fraction of goroutine blocking events
// reported in the block profile. Zero disables block profiling.
func SetBlockProfileRate(rate int) {
	runtime.SetBlockProfileRate(rate)
}

// Register mounts the pprof handlers under /debug/pprof/ on mux.
func Register(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}
