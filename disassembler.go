package sbt86

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// disassemblerBatchSize is the number of instructions requested from
// ndisasm per invocation when the instruction cache misses. A fresh process
// is spawned for each batch rather than keeping one long-lived pipe open,
// so a misbehaving disassembly can never wedge the translator.
const disassemblerBatchSize = 100

// Disassembler wraps an external ndisasm process, caching decoded
// Instructions keyed by linear address so repeated lookups (as the DFS
// revisits addresses) don't re-invoke the child process.
type Disassembler struct {
	binPath string
	image   *BinaryImage
	cache   map[uint32]*Instruction
}

// NewDisassembler constructs a Disassembler over img. The external binary
// is taken from the SBT86_NDISASM environment variable if set, else "ndisasm"
// resolved from PATH.
func NewDisassembler(img *BinaryImage) *Disassembler {
	bin := os.Getenv("SBT86_NDISASM")
	if bin == "" {
		bin = "ndisasm"
	}
	return &Disassembler{
		binPath: bin,
		image:   img,
		cache:   make(map[uint32]*Instruction),
	}
}

// Decode returns the Instruction at addr, disassembling a fresh batch
// starting at addr if it isn't already cached.
func (d *Disassembler) Decode(addr Address) (*Instruction, error) {
	if in, ok := d.cache[addr.Linear]; ok {
		return in, nil
	}
	if err := d.fillBatch(addr); err != nil {
		return nil, err
	}
	in, ok := d.cache[addr.Linear]
	if !ok {
		return nil, &InternalError{Addr: addr, Reason: "disassembly did not cover requested address"}
	}
	return in, nil
}

func (d *Disassembler) fillBatch(addr Address) error {
	base := d.image.offsetOf(addr)
	if base < 0 || base >= len(d.image.Data) {
		return &InternalError{Addr: addr, Reason: "address outside of loaded image"}
	}
	end := base + disassemblerBatchSize*6
	if end > len(d.image.Data) {
		end = len(d.image.Data)
	}
	chunk := d.image.Data[base:end]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.binPath, "-b", "16", "-o", fmt.Sprintf("%d", base), "-")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &IOFailureError{Op: "spawn", Path: d.binPath, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &IOFailureError{Op: "spawn", Path: d.binPath, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &IOFailureError{Op: "spawn", Path: d.binPath, Err: err}
	}

	writeErr := make(chan error, 1)
	go func() {
		_, err := stdin.Write(chunk)
		stdin.Close()
		writeErr <- err
	}()

	scanner := bufio.NewScanner(stdout)
	var decoded int
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" || strings.Contains(line, "db ") && strings.Contains(line, "disassembly") {
			continue
		}
		off, ok := parseNdisasmOffset(line)
		if !ok {
			continue
		}
		a := NewAddressFromLinear(uint32(int(d.image.RelocSegment)*16 + off))
		in, err := ParseInstructionLine(line, a)
		if err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			return err
		}
		if len(in.Raw) == 0 {
			continue
		}
		if err := promoteDynamicLiterals(in, d.image); err != nil {
			cmd.Process.Kill()
			cmd.Wait()
			return err
		}
		d.cache[a.Linear] = in
		decoded++
		if decoded >= disassemblerBatchSize {
			break
		}
	}

	cmd.Process.Kill()
	cmd.Wait()
	<-writeErr

	if decoded == 0 {
		return &InternalError{Addr: addr, Reason: "disassembler produced no instructions"}
	}
	return nil
}

// parseNdisasmOffset extracts the leading hexadecimal offset field from one
// line of ndisasm output.
func parseNdisasmOffset(line string) (int, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0, false
	}
	var v int
	_, err := fmt.Sscanf(fields[0], "%x", &v)
	if err != nil {
		return 0, false
	}
	return v, true
}
