//go:build js && wasm

// Command wasm exposes the modemlink decoders to the browser capture
// viewer as the global object modemlink.
package main

import (
	"encoding/hex"
	"strings"
	"syscall/js"

	"modemlink/host/inspect"
	"modemlink/protocol"
)

func main() {
	js.Global().Set("modemlink", js.ValueOf(map[string]interface{}{
		"encodeVLQ":   js.FuncOf(encodeVLQ),
		"crc16":       js.FuncOf(crc16),
		"decodeBlock": js.FuncOf(decodeBlock),
		"decodeFrame": js.FuncOf(decodeFrame),
		"layouts":     layouts(),
		"version":     protocol.Version,
	}))

	select {}
}

func failure(msg string) js.Value {
	return js.ValueOf(map[string]interface{}{"error": msg})
}

func hexArg(args []js.Value, i int) ([]byte, error) {
	if len(args) <= i {
		return nil, nil
	}
	return hex.DecodeString(strings.ReplaceAll(args[i].String(), " ", ""))
}

func layouts() interface{} {
	out := []interface{}{}
	for name := range inspect.Layouts {
		out = append(out, name)
	}
	return out
}

// encodeVLQ(value) returns the encoding as hex.
func encodeVLQ(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return failure("missing value")
	}
	out := protocol.NewScratchOutput()
	protocol.EncodeVLQInt(out, int32(args[0].Int()))
	return js.ValueOf(hex.EncodeToString(out.Result()))
}

func crc16(this js.Value, args []js.Value) interface{} {
	data, err := hexArg(args, 0)
	if err != nil {
		return failure(err.Error())
	}
	return js.ValueOf(int(protocol.CRC16(data)))
}

// decodeBlock(hex) returns {length, seq, messages: [{id, name, text}]}.
func decodeBlock(this js.Value, args []js.Value) interface{} {
	raw, err := hexArg(args, 0)
	if err != nil {
		return failure(err.Error())
	}
	info, err := inspect.Block(raw)
	if err != nil {
		return failure(err.Error())
	}
	msgs := make([]interface{}, 0, len(info.Messages))
	for _, m := range info.Messages {
		msgs = append(msgs, map[string]interface{}{
			"id":   int(m.ID),
			"name": m.Name,
			"text": m.String(),
		})
	}
	return js.ValueOf(map[string]interface{}{
		"length":   info.Length,
		"seq":      int(info.Seq),
		"ack":      info.Ack(),
		"messages": msgs,
	})
}

// decodeFrame(layout, txHex, [rxHex]) returns the decoded header.
func decodeFrame(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 {
		return failure("usage: decodeFrame(layout, tx, [rx])")
	}
	tx, err := hexArg(args, 1)
	if err != nil {
		return failure(err.Error())
	}
	rx, err := hexArg(args, 2)
	if err != nil {
		return failure(err.Error())
	}
	f, err := inspect.Frame(args[0].String(), tx, rx)
	if err != nil {
		return failure(err.Error())
	}
	return js.ValueOf(map[string]interface{}{
		"layout":    f.Layout,
		"address":   int(f.Header.Address),
		"direction": f.Header.Direction.String(),
		"length":    f.Header.Length,
		"payload":   hex.EncodeToString(f.Payload),
		"mode":      f.Status.Mode.String(),
		"flags":     int(f.Status.Flags),
		"text":      f.String(),
	})
}
