// SPDX-License-Identifier: GPL-3.0-or-later

// Command netvirt-bench drives UDP traffic through the engine using an
// echoing in-process host and prints the resulting emission speed.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
	netvirt "github.com/will4381/relative-protocol"
	"gopkg.in/yaml.v3"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

var (
	// args contains the command line arguments (overridable in tests).
	args = os.Args

	// output is the writer for benchmark output (overridable in tests).
	output io.Writer = os.Stdout
)

// benchRule is a host rule in the YAML configuration.
type benchRule struct {
	// Pattern is the host pattern to match.
	Pattern string `yaml:"pattern"`

	// Action is "block" or "shape".
	Action string `yaml:"action"`

	// LatencyMs is the shaping base delay in milliseconds.
	LatencyMs uint32 `yaml:"latency_ms"`

	// JitterMs is the shaping jitter half-width in milliseconds.
	JitterMs uint32 `yaml:"jitter_ms"`
}

// benchConfig is the YAML benchmark configuration.
type benchConfig struct {
	// Engine sizes the engine.
	Engine netvirt.Config `yaml:"engine"`

	// Rules lists host rules installed before the run.
	Rules []benchRule `yaml:"rules"`
}

// loadConfig reads the YAML configuration at path, returning the zero
// configuration when path is empty.
func loadConfig(path string) (benchConfig, error) {
	var config benchConfig
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return benchConfig{}, err
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return benchConfig{}, err
	}
	return config, nil
}

// installRules converts the configured rules and installs them.
func installRules(eng *netvirt.Engine, rules []benchRule) error {
	for _, br := range rules {
		hr := netvirt.HostRule{
			Pattern:   br.Pattern,
			LatencyMs: br.LatencyMs,
			JitterMs:  br.JitterMs,
		}
		switch br.Action {
		case "block":
			hr.Action = netvirt.ActionBlock
		case "shape":
			hr.Action = netvirt.ActionShape
		default:
			return fmt.Errorf("unknown rule action: %q", br.Action)
		}
		if _, err := eng.AddHostRule(hr); err != nil {
			return err
		}
	}
	return nil
}

// echoHost is a [netvirt.Host] that accepts every dial, echoes every
// UDP payload back into the engine, and counts the emitted bytes.
type echoHost struct {
	// eng is the engine being benchmarked.
	eng *netvirt.Engine

	// totalEmitted counts bytes handed back by the engine.
	totalEmitted atomic.Uint64
}

var _ netvirt.Host = &echoHost{}

func (eh *echoHost) EmitPackets(packets []netvirt.EmittedPacket) {
	var total uint64
	for _, pkt := range packets {
		total += uint64(len(pkt.Data))
	}
	eh.totalEmitted.Add(total)
}

func (eh *echoHost) RequestTCPDial(handle uint64, remote netip.AddrPort) {
	eh.eng.OnDialResult(handle, true, "")
}

func (eh *echoHost) RequestUDPDial(handle uint64, remote netip.AddrPort) {
	eh.eng.OnDialResult(handle, true, "")
}

func (eh *echoHost) SendTCP(handle uint64, payload []byte) {
	_ = eh.eng.OnTCPReceive(handle, payload)
}

func (eh *echoHost) SendUDP(handle uint64, payload []byte) {
	_ = eh.eng.OnUDPReceive(handle, payload)
}

func (eh *echoHost) CloseTCP(handle uint64, reason string) {
	// nothing
}

func (eh *echoHost) CloseUDP(handle uint64, reason string) {
	// nothing
}

func (eh *echoHost) RecordDNS(host string, addrs []netip.Addr, ttl uint32) {
	// nothing
}

// buildUDPFrame creates an IPv4 frame carrying a UDP datagram.
func buildUDPFrame(src, dst netip.AddrPort, payload []byte) []byte {
	frame := make([]byte, header.IPv4MinimumSize+header.UDPMinimumSize+len(payload))
	srcAddr := tcpip.AddrFrom4(src.Addr().As4())
	dstAddr := tcpip.AddrFrom4(dst.Addr().As4())

	ipv4 := header.IPv4(frame)
	ipv4.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(frame)),
		TTL:         64,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     srcAddr,
		DstAddr:     dstAddr,
	})
	ipv4.SetChecksum(^ipv4.CalculateChecksum())

	udp := header.UDP(frame[header.IPv4MinimumSize:])
	udp.Encode(&header.UDPFields{
		SrcPort: src.Port(),
		DstPort: dst.Port(),
		Length:  uint16(header.UDPMinimumSize + len(payload)),
	})
	copy(udp.Payload(), payload)
	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber,
		srcAddr, dstAddr, uint16(header.UDPMinimumSize+len(payload)))
	xsum = checksum.Checksum(payload, xsum)
	udp.SetChecksum(^udp.CalculateChecksum(xsum))
	return frame
}

// senderMain injects frames for a single flow until the context is done.
func senderMain(ctx context.Context, eng *netvirt.Engine, frame []byte) {
	for ctx.Err() == nil {
		// errors here are expected under pressure: the engine
		// reports drops through its counters
		_ = eng.HandlePacket(frame)
	}
}

// printerMain prints emission speed stats every 250 millisecond.
func printerMain(ctx context.Context, total *atomic.Uint64) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	t0 := time.Now()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(output, "\n")
			return
		case t := <-ticker.C:
			elapsed := t.Sub(t0).Seconds()
			nbytes := total.Load()
			speed := (8 * float64(nbytes) / elapsed) / (1000 * 1000)
			fmt.Fprintf(output, "\r\t%10.3f Mbit/s", speed)
		}
	}
}

func main() {
	// 1. create command line parser
	fset := flag.NewFlagSet("netvirt-bench", flag.ExitOnError)

	// 2. add flags to parse
	var (
		configFile  = fset.String("config", "", "Load YAML configuration at the given file.")
		duration    = fset.Duration("duration", 10*time.Second, "Benchmark duration.")
		flows       = fset.Int("flows", 4, "Number of concurrent UDP flows.")
		payloadSize = fset.Int("payload-size", 1024, "UDP payload size in bytes.")
		pcapFile    = fset.String("pcap-file", "", "Write PCAP at the given file.")
		pcapSnaplen = fset.Int("pcap-snaplen", 1500, "PCAP snapshot length in bytes.")
	)

	// 3. parse command line and configuration
	runtimex.PanicOnError0(fset.Parse(args[1:]))
	config := runtimex.PanicOnError1(loadConfig(*configFile))

	// 4. create context with a timeout
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	// 5. create the optional PCAP trace
	var options []netvirt.EngineOption
	var trace *netvirt.PCAPTrace
	if *pcapFile != "" {
		filep := runtimex.PanicOnError1(os.Create(*pcapFile))
		trace = netvirt.NewPCAPTrace(filep, uint16(*pcapSnaplen))
		options = append(options, netvirt.EngineOptionPCAPTrace(trace))
	}

	// 6. create the engine and install the configured rules
	eng := netvirt.NewEngine(config.Engine, options...)
	runtimex.PanicOnError0(installRules(eng, config.Rules))

	// 7. attach the echoing host
	host := &echoHost{eng: eng, totalEmitted: atomic.Uint64{}}
	runtimex.PanicOnError0(eng.Start(host))

	// 8. spawn one sender per flow
	wg := &sync.WaitGroup{}
	for idx := range *flows {
		src := netip.AddrPortFrom(netip.MustParseAddr("192.0.2.2"), uint16(40000+idx))
		dst := netip.MustParseAddrPort("192.0.2.9:9")
		frame := buildUDPFrame(src, dst, make([]byte, *payloadSize))
		wg.Go(func() {
			senderMain(ctx, eng, frame)
		})
	}

	// 9. spawn the goroutine printing the speed
	wg.Go(func() {
		printerMain(ctx, &host.totalEmitted)
	})

	// 10. wait for the benchmark to finish
	wg.Wait()
	runtimex.PanicOnError0(eng.Stop())
	if trace != nil {
		runtimex.PanicOnError0(trace.Close())
	}

	// 11. print the final counters
	counters := eng.Counters()
	stats := eng.Stats()
	fmt.Fprintf(output, "frames emitted: %d\n", stats.FramesEmitted)
	fmt.Fprintf(output, "bytes emitted: %d\n", stats.BytesEmitted)
	fmt.Fprintf(output, "poll iterations: %d\n", stats.PollIterations)
	fmt.Fprintf(output, "udp backpressure drops: %d\n", counters.UDPBackpressureDrops)
}
