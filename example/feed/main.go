// Command feed fills a running btmap with sample messages: SMS through the
// HTTP API and e-mail through the SMTP ingest.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

type statusResponse struct {
	Auth      string `json:"auth"`
	Peer      string `json:"peer"`
	Instances []struct {
		ID    int    `json:"id"`
		Name  string `json:"name"`
		State string `json:"state"`
	} `json:"instances"`
}

type messagesResponse struct {
	Messages []struct {
		Handle  string `json:"handle"`
		From    string `json:"from"`
		Subject string `json:"subject"`
	} `json:"messages"`
	Total int `json:"total"`
}

func main() {
	baseURL := getenvDefault("BTMAP_URL", "http://localhost:3025")
	smtpAddr := getenvDefault("BTMAP_SMTP", "localhost:2025")
	smtpUser := getenvDefault("SMTP_USERNAME", "btmap")
	smtpPass := getenvDefault("SMTP_PASSWORD", "btmap")
	token := os.Getenv("ADMIN_TOKEN")
	emailTo := os.Getenv("BTMAP_EMAIL_TO")

	client := &http.Client{Timeout: 10 * time.Second}

	status := getStatus(client, baseURL, token)
	fmt.Printf("auth=%s peer=%q\n", status.Auth, status.Peer)
	for _, inst := range status.Instances {
		fmt.Printf("- instance %d %s (%s)\n", inst.ID, inst.Name, inst.State)
	}

	fmt.Println("Injecting SMS...")
	for i := 1; i <= 5; i++ {
		injectSMS(client, baseURL, token, fmt.Sprintf("+1555010%04d", i), fmt.Sprintf("Sample SMS %d", i))
	}

	if emailTo != "" {
		fmt.Println("Sending e-mail to", emailTo)
		sendSMTP(smtpAddr, smtpUser, smtpPass, "sender@btmap.dev", []string{emailTo}, buildTestMessage("btmap sample", emailTo))
	}

	time.Sleep(500 * time.Millisecond)

	resp := listMessages(client, baseURL, token, "sms-mms")
	fmt.Printf("sms-mms total=%d\n", resp.Total)
	for _, m := range resp.Messages {
		fmt.Printf("- %s %s\n", m.Handle, m.From)
	}
}

func getStatus(client *http.Client, baseURL, token string) statusResponse {
	resp := mustDo(client, token, "GET", baseURL+"/api/status", nil)
	defer resp.Body.Close()
	var out statusResponse
	mustDecode(resp.Body, &out)
	return out
}

func injectSMS(client *http.Client, baseURL, token, from, text string) {
	payload, _ := json.Marshal(map[string]any{
		"type": "SMS_GSM",
		"from": from,
		"to":   []string{"+15550100000"},
		"text": text,
	})
	resp := mustDo(client, token, "POST", baseURL+"/api/messages", bytes.NewReader(payload))
	_ = resp.Body.Close()
}

func listMessages(client *http.Client, baseURL, token, mailbox string) messagesResponse {
	url := fmt.Sprintf("%s/api/messages?mailbox=%s&limit=10", baseURL, mailbox)
	resp := mustDo(client, token, "GET", url, nil)
	defer resp.Body.Close()
	var out messagesResponse
	mustDecode(resp.Body, &out)
	return out
}

func sendSMTP(addr, username, password, from string, to []string, msg []byte) {
	var auth sasl.Client
	if username != "" || password != "" {
		auth = sasl.NewPlainClient("", username, password)
	}
	if err := smtp.SendMail(addr, auth, from, to, bytes.NewReader(msg)); err != nil {
		fmt.Fprintln(os.Stderr, "smtp error:", err)
	}
}

func buildTestMessage(subject, recipient string) []byte {
	boundary := fmt.Sprintf("btmap-%d", time.Now().UnixNano())
	lines := []string{
		"From: sender@btmap.dev",
		"To: " + recipient,
		"Subject: " + subject,
		"Date: " + time.Now().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: multipart/alternative; boundary=" + boundary,
		"",
		"--" + boundary,
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Hello from btmap.",
		"--" + boundary,
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>Hello from <b>btmap</b>.</p>",
		"--" + boundary + "--",
		"",
	}
	return []byte(strings.Join(lines, "\r\n"))
}

func mustDo(client *http.Client, token, method, url string, body io.Reader) *http.Response {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		panic(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		panic(err)
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		panic(fmt.Sprintf("request failed: %s %s: %s", method, url, string(b)))
	}
	return resp
}

func mustDecode(r io.Reader, v any) {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		panic(err)
	}
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
