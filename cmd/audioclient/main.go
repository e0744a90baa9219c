// Command audioclient streams a WAV file to a running relay over WebSocket
// and prints the events coming back. Useful for exercising barge-in and
// transcript flow without a browser client.
package main

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

type inboundMessage struct {
	Type       string  `json:"type"`
	Status     string  `json:"status,omitempty"`
	ResponseID string  `json:"responseId,omitempty"`
	Seq        int     `json:"seq,omitempty"`
	Audio      string  `json:"audio,omitempty"`
	Text       string  `json:"text,omitempty"`
	Speaker    string  `json:"speaker,omitempty"`
	Cancelled  bool    `json:"cancelled,omitempty"`
	Threshold  float64 `json:"threshold,omitempty"`
	Message    string  `json:"message,omitempty"`
}

type outboundMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio,omitempty"`
	Text  string `json:"text,omitempty"`
}

func main() {
	audioFile := flag.String("audio", "testdata/sample-24khz.wav", "Path to WAV file (24kHz 16-bit mono)")
	serverURL := flag.String("server", "ws://localhost:8080/v1/ws", "Relay WebSocket URL")
	frameMs := flag.Int("frame", 20, "Frame duration in milliseconds")
	text := flag.String("text", "", "Send a text message instead of audio")
	flag.Parse()

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()
	log.Printf("Connected to %s", *serverURL)

	done := make(chan struct{})
	go printEvents(conn, done)

	if err := conn.WriteJSON(outboundMessage{Type: "session_start"}); err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}

	if *text != "" {
		if err := conn.WriteJSON(outboundMessage{Type: "text_message", Text: *text}); err != nil {
			log.Fatalf("Failed to send text: %v", err)
		}
	} else {
		streamAudio(conn, *audioFile, *frameMs)
	}

	// Keep listening for the model response until interrupted.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-done:
	}
	log.Println("Closing connection")
}

func streamAudio(conn *websocket.Conn, path string, frameMs int) {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("Failed to open audio file: %v", err)
	}
	defer f.Close()

	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatalf("Failed to read WAV header: %v", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		log.Fatal("Not a valid WAV file")
	}

	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	numChannels := binary.LittleEndian.Uint16(header[22:24])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(header[34:36])

	log.Printf("WAV file: format=%d channels=%d sampleRate=%d bitsPerSample=%d",
		audioFormat, numChannels, sampleRate, bitsPerSample)

	if audioFormat != 1 {
		log.Fatal("Only PCM format supported")
	}
	if sampleRate != 24000 {
		log.Printf("Warning: Sample rate is %d Hz, expected 24000 Hz", sampleRate)
	}

	// 16-bit mono: bytes per frame = sampleRate * 2 * frameMs / 1000.
	frameBytes := int(sampleRate) * 2 * frameMs / 1000
	frame := make([]byte, frameBytes)
	var totalBytes int64
	var frameNum int
	startTime := time.Now()

	for {
		n, err := f.Read(frame)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("Failed to read audio: %v", err)
		}

		frameNum++
		totalBytes += int64(n)

		msg := outboundMessage{
			Type:  "input_audio_buffer.append",
			Audio: base64.StdEncoding.EncodeToString(frame[:n]),
		}
		if err := conn.WriteJSON(msg); err != nil {
			log.Fatalf("Failed to send frame: %v", err)
		}

		if frameNum%50 == 0 {
			log.Printf("Sent frame %d (%d bytes total)", frameNum, totalBytes)
		}

		// Pace frames at real time so server VAD sees a natural stream.
		time.Sleep(time.Duration(frameMs) * time.Millisecond)
	}

	log.Printf("Finished streaming: %d frames, %d bytes in %v", frameNum, totalBytes, time.Since(startTime))
}

func printEvents(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	var audioBytes int64

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("Connection closed: %v", err)
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Unparseable message: %s", data)
			continue
		}

		switch msg.Type {
		case "status":
			log.Printf("[status] %s", msg.Status)
		case "speech_started":
			log.Println("[vad] speech started")
		case "speech_stopped":
			log.Println("[vad] speech stopped")
		case "transcript":
			log.Printf("[%s] %s", msg.Speaker, msg.Text)
		case "response_transcript_delta":
			log.Printf("[agent delta] %s", msg.Text)
		case "response_text":
			log.Printf("[agent] %s", msg.Text)
		case "audio_chunk":
			decoded, _ := base64.StdEncoding.DecodeString(msg.Audio)
			audioBytes += int64(len(decoded))
		case "audio_complete":
			log.Printf("[audio] response %s complete, %d bytes received", msg.ResponseID, audioBytes)
			audioBytes = 0
		case "response_done":
			log.Printf("[response] %s done (cancelled=%v)", msg.ResponseID, msg.Cancelled)
		case "playback_stop":
			log.Println("[playback] stop")
		case "sensitivity_updated":
			log.Printf("[vad] threshold now %.2f", msg.Threshold)
		case "error":
			log.Printf("[error] %s", msg.Message)
		default:
			log.Printf("[%s] %s", msg.Type, data)
		}
	}
}
