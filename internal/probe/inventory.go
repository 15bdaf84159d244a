package probe

import (
	"fmt"
	"io"
	"runtime"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/cpu"

	"github.com/cwbudde/clvecadd/internal/cl"
)

// Host describes the machine the binary runs on.
type Host struct {
	OS       string   `json:"os"`
	Arch     string   `json:"arch"`
	NumCPU   int      `json:"numCPU"`
	Features []string `json:"features"`
}

// HostInfo reports the host CPU and the SIMD features it advertises.
func HostInfo() Host {
	h := Host{OS: runtime.GOOS, Arch: runtime.GOARCH, NumCPU: runtime.NumCPU()}

	flags := []struct {
		name string
		ok   bool
	}{
		{"sse2", cpu.X86.HasSSE2},
		{"sse4.1", cpu.X86.HasSSE41},
		{"avx", cpu.X86.HasAVX},
		{"avx2", cpu.X86.HasAVX2},
		{"fma", cpu.X86.HasFMA},
		{"avx512f", cpu.X86.HasAVX512F},
		{"asimd", cpu.ARM64.HasASIMD},
		{"sve", cpu.ARM64.HasSVE},
	}
	for _, f := range flags {
		if f.ok {
			h.Features = append(h.Features, f.name)
		}
	}
	return h
}

// Inventory lists every platform with its devices.
func Inventory(drv cl.Driver) ([]cl.PlatformInfo, error) {
	inv, err := cl.Inventory(drv)
	if err != nil {
		return nil, fmt.Errorf("inventory: %w", err)
	}
	return inv, nil
}

// PrintInventory writes the platform table followed by the host summary.
func PrintInventory(w io.Writer, inv []cl.PlatformInfo, host Host) error {
	if len(inv) == 0 {
		fmt.Fprintln(w, MsgNoPlatforms)
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "INDEX\tPLATFORM\tDEVICE\tTYPE\tCU\tWG\tCLOCK\tGLOBAL MEM\tMAX ALLOC")
		fmt.Fprintln(tw, "-----\t--------\t------\t----\t--\t--\t-----\t----------\t---------")
		for pi, p := range inv {
			if len(p.Devices) == 0 {
				fmt.Fprintf(tw, "%d\t%s\t-\t-\t-\t-\t-\t-\t-\n", pi, p.Name)
				continue
			}
			for di, d := range p.Devices {
				fmt.Fprintf(tw, "%d:%d\t%s\t%s\t%s\t%d\t%d\t%d MHz\t%s\t%s\n",
					pi, di, p.Name, d.Name, d.Type,
					d.MaxComputeUnits, d.MaxWorkGroupSize, d.MaxClockMHz,
					humanize.IBytes(d.GlobalMemBytes), humanize.IBytes(d.MaxAllocBytes),
				)
			}
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintf(w, "\nHost: %s/%s, %d logical CPUs", host.OS, host.Arch, host.NumCPU)
	if len(host.Features) > 0 {
		fmt.Fprintf(w, ", features: %v", host.Features)
	}
	fmt.Fprintln(w)
	return nil
}
