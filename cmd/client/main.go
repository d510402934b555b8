package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/Brownie44l1/classifier-api/internal/acquire"
)

const defaultEndpoint = "http://localhost:5000/api/v1/classify_image"

func main() {
	var source, path, endpoint, format string
	flag.StringVar(&source, "s", "", "source type (file|url)")
	flag.StringVar(&source, "source", "", "source type (file|url)")
	flag.StringVar(&path, "p", "", "full path/url")
	flag.StringVar(&path, "path", "", "full path/url")
	flag.StringVar(&endpoint, "e", defaultEndpoint, "classifier endpoint")
	flag.StringVar(&endpoint, "endpoint", defaultEndpoint, "classifier endpoint")
	flag.StringVar(&format, "f", string(acquire.FormatJPEG), "encoding for file sources (jpeg|png)")
	flag.StringVar(&format, "format", string(acquire.FormatJPEG), "encoding for file sources (jpeg|png)")
	flag.Parse()

	if source == "" || path == "" {
		flag.Usage()
		os.Exit(2)
	}

	body, err := requestBody(source, path, acquire.Format(format))
	if err != nil {
		log.Fatalf("Failed to build request: %v", err)
	}

	start := time.Now()
	status, response, err := send(endpoint, body)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}

	fmt.Printf("inference time %v seconds\n", time.Since(start).Seconds())
	fmt.Printf("status_code: %d, response: %s\n", status, response)
}

func requestBody(source, path string, format acquire.Format) (map[string]string, error) {
	switch source {
	case "file":
		buf, err := acquire.FromFile(path, acquire.Limits{})
		if err != nil {
			return nil, err
		}
		encoded, err := acquire.EncodeBase64(buf, format)
		if err != nil {
			return nil, err
		}
		return map[string]string{"img": encoded}, nil
	case "url":
		return map[string]string{"url": path}, nil
	default:
		return nil, fmt.Errorf("invalid source %q", source)
	}
}

func send(endpoint string, body map[string]string) (int, string, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return 0, "", fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := http.Post(endpoint, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, string(bytes.TrimSpace(raw)), nil
}
