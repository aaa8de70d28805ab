package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL      string
	conversationID string
	userID         string
	topN           int
	noReranker     bool
	withHistory    bool
)

var rootCmd = &cobra.Command{
	Use:   "askcli <question>",
	Short: "Ask the literature QA service a question",
	Long: `Streams an answer from the orchestrator over SSE and prints it as it
arrives, followed by the numbered reference list.

Examples:
  askcli "What is known about CRISPR off-target effects?"
  askcli --conversation 7f3a... "And in primary human cells?"`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

func init() {
	rootCmd.Flags().StringVar(&serverURL, "server", "http://localhost:9010", "orchestrator base URL")
	rootCmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "continue an existing conversation")
	rootCmd.Flags().StringVarP(&userID, "user", "u", "", "user id sent as X-User-ID")
	rootCmd.Flags().IntVarP(&topN, "top-n", "n", 0, "number of passages in context (default from server)")
	rootCmd.Flags().BoolVar(&noReranker, "no-rerank", false, "disable cross-encoder reranking")
	rootCmd.Flags().BoolVar(&withHistory, "with-history", false, "include passages cited earlier in the conversation")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type streamEvent struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Token          string          `json:"token"`
	Answer         string          `json:"answer"`
	Error          string          `json:"error"`
	Citations      json.RawMessage `json:"citations"`
}

type citation struct {
	Ordinal     int    `json:"ordinal"`
	SourceID    string `json:"source_id"`
	Title       string `json:"title"`
	Journal     string `json:"journal"`
	PublishedAt string `json:"published_at"`
}

func runAsk(cmd *cobra.Command, args []string) error {
	payload := map[string]interface{}{
		"message":                   args[0],
		"conversation_id":           conversationID,
		"stream":                    true,
		"use_reranker":              !noReranker,
		"expand_chunks":             true,
		"include_history_citations": withHistory,
	}
	if topN > 0 {
		payload["top_n"] = topN
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+"/v1/ask", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}

	// No client timeout; the server enforces the turn deadline.
	client := &http.Client{Timeout: 0}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if msg, ok := errBody["error"]; ok {
			return fmt.Errorf("server error (%d): %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("server error: status %d", resp.StatusCode)
	}

	start := time.Now()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}

		switch event.Type {
		case "start":
			fmt.Fprintf(os.Stderr, "conversation: %s\n\n", event.ConversationID)
		case "token":
			fmt.Print(event.Token)
		case "complete":
			fmt.Println()
			printCitations(event.Citations)
			fmt.Fprintf(os.Stderr, "\ndone in %s\n", time.Since(start).Round(time.Millisecond))
			return nil
		case "error":
			fmt.Println()
			return fmt.Errorf("turn failed: %s", event.Error)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read failed: %w", err)
	}
	return fmt.Errorf("stream ended without completion")
}

func printCitations(raw json.RawMessage) {
	var citations []citation
	if err := json.Unmarshal(raw, &citations); err != nil || len(citations) == 0 {
		return
	}
	fmt.Println("\nReferences:")
	for _, c := range citations {
		line := fmt.Sprintf("  [%d] %s", c.Ordinal, c.SourceID)
		if c.Title != "" {
			line += ": " + c.Title
		}
		if c.Journal != "" {
			line += ", " + c.Journal
		}
		if c.PublishedAt != "" {
			line += " (" + c.PublishedAt + ")"
		}
		fmt.Println(line)
	}
}
