// Package prof captures runtime profiles of the bridge daemon.
//
// The event loop runs a frame tick every millisecond, so CPU and block
// profiles are the usual way to find where a channel spends its time.
//
// # CPU Profiling
//
//	stop, err := prof.StartCPU(afero.NewOsFs(), "cpu.prof")
//	if err != nil {
//	    return err
//	}
//	defer stop()
//
// # Snapshots
//
//	prof.Write(afero.NewOsFs(), prof.ProfileHeap, "heap.prof")
//
// # HTTP Profiling
//
// [Register] mounts the [net/http/pprof] handlers on a mux, normally the one
// serving /metrics:
//
//	mux := http.NewServeMux()
//	prof.Register(mux)
//
// Then inspect http://<metrics.addr>/debug/pprof/.
package prof
