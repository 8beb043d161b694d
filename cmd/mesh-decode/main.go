// mesh-decode decodes a single captured MQTT uplink offline: it runs the
// payload through the same codec the gateway uses and prints what the
// pipeline would have seen, which makes undecodable frames debuggable
// without a broker or a database.
package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rabarar/meshtastic"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/meshsight/mesh-gateway/internal/codec"
	"github.com/meshsight/mesh-gateway/internal/meshutil"
)

func main() {
	var (
		format     = flag.String("format", "raw", "payload encoding: raw, hex or base64")
		channelKey = flag.String("channel-key", "", "base64 AES key for the topic's channel (default: the published default key)")
	)
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: mesh-decode [options] <topic> [file]")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Reads a captured MQTT payload from file (or stdin) and decodes it as")
		fmt.Fprintln(os.Stderr, "an uplink on the given topic.")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Options:")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}
	topic := flag.Arg(0)

	payload, err := readPayload(flag.Arg(1), *format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read payload: %v\n", err)
		os.Exit(1)
	}

	keys := map[string]string{}
	if *channelKey != "" {
		keys[meshutil.ChannelFromTopic(topic)] = *channelKey
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	fmt.Printf("=== %s (%d bytes) ===\n", topic, len(payload))

	// On the protobuf families the raw ServiceEnvelope is worth seeing even
	// when the packet is encrypted or the app payload does not decode.
	if strings.Contains(topic, "/2/e/") || strings.Contains(topic, "/2/map") {
		dumpEnvelope(payload)
	}

	ev, err := codec.NewDecoder(keys, logger).Decode(topic, payload)
	if err != nil {
		fmt.Printf("\ndrop: %s (%v)\n", codec.DropReason(err), err)
		os.Exit(1)
	}

	out, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal event: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\n--- event ---\n%s\n", out)
}

func dumpEnvelope(payload []byte) {
	var env meshtastic.ServiceEnvelope
	if err := proto.Unmarshal(payload, &env); err != nil {
		fmt.Printf("\nServiceEnvelope does not parse: %v\n", err)
		return
	}
	opts := protojson.MarshalOptions{Multiline: true, Indent: "  "}
	fmt.Printf("\n--- service envelope ---\n%s\n", opts.Format(&env))
}

func readPayload(path, format string) ([]byte, error) {
	var raw []byte
	var err error
	if path == "" || path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	switch format {
	case "raw":
		return raw, nil
	case "hex":
		return hex.DecodeString(strings.TrimSpace(string(raw)))
	case "base64":
		return base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	}
	return nil, fmt.Errorf("unknown format %q", format)
}
