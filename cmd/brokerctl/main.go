package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"
)

var version = "dev"

// loadEnvFile reads ~/.cookiebroker/env and sets any key=value pairs not
// already present in the process environment. This lets brokerctl work out
// of the box without shell profile configuration.
func loadEnvFile() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	data, err := os.ReadFile(home + "/.cookiebroker/env")
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if os.Getenv(strings.TrimSpace(k)) == "" {
			_ = os.Setenv(strings.TrimSpace(k), strings.TrimSpace(v))
		}
	}
}

func main() {
	loadEnvFile()
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("brokerctl %s\n", version)
	case "admin-key":
		doAdminKey()
	case "status":
		doStatus()
	case "health":
		doHealth()
	case "info":
		doInfo()
	case "domains":
		doDomains()
	case "clients":
		doClients()
	case "kick":
		doKick(args)
	case "priority":
		doPriority(args)
	case "max-clients":
		doMaxClients(args)
	case "import":
		doImport(args, "/admin/cookies/import")
	case "smart-import":
		doImport(args, "/admin/cookies/smart-import")
	case "replace":
		doReplace(args)
	case "delete":
		doDelete(args)
	case "clear":
		doClear()
	case "audit":
		doAudit(args)
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	usageTo(os.Stderr)
}

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `brokerctl - CLI for the cookie broker admin API

Usage: brokerctl <command> [arguments]

Environment:
  BROKER_URL        Base URL (default: http://localhost:8001)
  BROKER_ADMIN_KEY  Key for admin endpoints (X-Admin-Key header)

  ~/.cookiebroker/env   Auto-sourced on startup. Explicit environment
                        variables take precedence.

Commands:
  status                    Show occupancy and queue summary
  health                    Show server health
  info                      Show full server info (admin)
  domains                   List known domains and their allocation
  clients                   List active and queued clients (admin)

  kick <session> [reason]   Revoke a client's access or dequeue it
  priority <session> <n>    Change a queued client's priority
  max-clients <n>           Change the concurrency limit (1-10)

  import <file>             Merge cookies from a JSON file
  smart-import <file>       Import grouped export with strategy analysis
  replace <file>            Replace the whole pool from a JSON file
  delete <file>             Delete the cookies listed in a JSON file
  clear                     Remove all cookies

  audit [--limit N]         Show recent admin audit entries
  admin-key                 Print the admin key (env or server)

  version                   Show version
  help                      Show this help

Examples:
  brokerctl status
  brokerctl import cookies.json
  brokerctl kick 7f3a... "stale worker"
  brokerctl max-clients 3
`)
}

// --- HTTP helpers ---

func baseURL() string {
	if u := os.Getenv("BROKER_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8001"
}

func adminKey() string {
	return os.Getenv("BROKER_ADMIN_KEY")
}

func doRequest(method, path string, body io.Reader) (*http.Response, error) {
	url := baseURL() + path
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := adminKey(); key != "" {
		req.Header.Set("X-Admin-Key", key)
	}
	return http.DefaultClient.Do(req)
}

func doGet(path string) map[string]any {
	resp, err := doRequest("GET", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPost(path, bodyJSON string) map[string]any {
	resp, err := doRequest("POST", path, strings.NewReader(bodyJSON))
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doDeleteReq(path string) map[string]any {
	resp, err := doRequest("DELETE", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func readJSON(resp *http.Response) map[string]any {
	data, err := io.ReadAll(resp.Body)
	fatal(err)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		fmt.Println(string(data))
		os.Exit(0)
	}
	return result
}

func prettyJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func requireArgs(args []string, min int, usage string) {
	if len(args) < min {
		fmt.Fprintf(os.Stderr, "usage: brokerctl %s\n", usage)
		os.Exit(1)
	}
}

func parseLimit(args []string) int {
	for i, a := range args {
		if a == "--limit" && i+1 < len(args) {
			n, _ := strconv.Atoi(args[i+1])
			if n > 0 {
				return n
			}
		}
	}
	return 50
}

// --- Commands ---

func doAdminKey() {
	if key := adminKey(); key != "" {
		fmt.Println(key)
		return
	}
	// The server only serves this endpoint when started with
	// BROKER_EXPOSE_ADMIN_KEY=true.
	data := doGet("/admin/key")
	if key, _ := data["admin_key"].(string); key != "" {
		fmt.Println(key)
		return
	}
	fmt.Fprintln(os.Stderr, "admin key not found - set BROKER_ADMIN_KEY or start the server with BROKER_EXPOSE_ADMIN_KEY=true")
	os.Exit(1)
}

func doStatus() {
	st := doGet("/access/status")
	h := doGet("/health")

	status, _ := h["status"].(string)
	fmt.Printf("Server:       %s\n", baseURL())
	fmt.Printf("Status:       %s\n", status)
	fmt.Printf("Uptime:       %s\n", fmtSeconds(h["uptime_seconds"]))
	fmt.Printf("Active:       %s / %s\n", fmtNum(st["active_count"]), fmtNum(st["max_concurrent"]))
	fmt.Printf("Queued:       %s\n", fmtNum(st["queue_length"]))

	active, _ := st["active_clients"].([]any)
	if len(active) > 0 {
		fmt.Println()
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "SESSION\tDOMAINS\tUSAGE\tINACTIVE")
		for _, c := range active {
			m, _ := c.(map[string]any)
			id, _ := m["session_id"].(string)
			domains := fmtDomains(m["allocated_domains"])
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%sm\t%sm\n",
				id, domains, fmtNum(m["usage_minutes"]), fmtNum(m["inactive_minutes"]))
		}
		_ = tw.Flush()
	}
}

func doHealth() {
	data := doGet("/health")
	fmt.Println(prettyJSON(data))
}

func doInfo() {
	data := doGet("/admin/server/info")
	fmt.Printf("Active clients:    %s / %s\n", fmtNum(data["active_clients"]), fmtNum(data["max_concurrent"]))
	fmt.Printf("Queue length:      %s\n", fmtNum(data["queue_length"]))
	fmt.Printf("Total cookies:     %s\n", fmtNum(data["total_cookies"]))
	fmt.Printf("Logged in:         %v\n", data["logged_in"] == true)
	fmt.Printf("Last updated:      %s\n", fmtTime(data["last_updated"]))
	fmt.Printf("Domains:           %s\n", fmtNum(data["available_domains"]))
	fmt.Printf("Known sessions:    %s\n", fmtNum(data["known_sessions"]))
	fmt.Printf("Heartbeat:         %ss\n", fmtNum(data["heartbeat_interval"]))
	fmt.Printf("Inactivity limit:  %sm\n", fmtNum(data["max_inactive_minutes"]))
	fmt.Printf("Uptime:            %s\n", fmtSeconds(data["uptime_seconds"]))
}

func doDomains() {
	data := doGet("/domains")
	domains, _ := data["domains"].([]any)
	if len(domains) == 0 {
		fmt.Println("No domains in the pool.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "DOMAIN\tCOOKIES\tAVAILABLE\tALLOCATED TO")
	for _, d := range domains {
		m, _ := d.(map[string]any)
		name, _ := m["domain"].(string)
		avail := "yes"
		if m["available"] == false {
			avail = "no"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			name, fmtNum(m["cookie_count"]), avail, fmtDomains(m["allocated_to"]))
	}
	_ = tw.Flush()
}

func doClients() {
	data := doGet("/admin/clients/detailed")
	clients, _ := data["clients"].([]any)
	if len(clients) == 0 {
		fmt.Println("No active or queued clients.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SESSION\tSTATE\tPRIORITY\tPOS\tDOMAINS\tCONNECTED\tADDR")
	for _, c := range clients {
		m, _ := c.(map[string]any)
		id, _ := m["session_id"].(string)
		state, _ := m["state"].(string)
		domains := fmtDomains(m["allocated_domains"])
		if domains == "-" {
			domains = fmtDomains(m["domains"])
		}
		connected := "no"
		if m["connected"] == true {
			connected = "yes"
		}
		addr, _ := m["remote_addr"].(string)
		if addr == "" {
			addr = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			id, state, fmtNum(m["priority"]), fmtNum(m["position"]), domains, connected, addr)
	}
	_ = tw.Flush()
}

func doKick(args []string) {
	requireArgs(args, 1, "kick <session> [reason]")
	body := "{}"
	if len(args) > 1 {
		body = fmt.Sprintf(`{"reason":%s}`, jsonStr(strings.Join(args[1:], " ")))
	}
	result := doPost("/admin/clients/"+args[0]+"/kick", body)
	if result["success"] == true {
		fmt.Println("Client kicked.")
	}
}

func doPriority(args []string) {
	requireArgs(args, 2, "priority <session> <n>")
	n, err := strconv.Atoi(args[1])
	fatal(err)
	result := doPost("/admin/clients/"+args[0]+"/priority", fmt.Sprintf(`{"priority":%d}`, n))
	if result["success"] == true {
		fmt.Printf("Priority %s -> %s, now at position %s.\n",
			fmtNum(result["old_priority"]), fmtNum(result["new_priority"]), fmtNum(result["new_position"]))
	}
}

func doMaxClients(args []string) {
	requireArgs(args, 1, "max-clients <n>")
	n, err := strconv.Atoi(args[0])
	fatal(err)
	result := doPost("/admin/server/config/max-clients", fmt.Sprintf(`{"max_clients":%d}`, n))
	if result["success"] == true {
		fmt.Printf("Concurrency limit set to %s.\n", fmtNum(result["max_clients"]))
	}
}

func doImport(args []string, path string) {
	requireArgs(args, 1, strings.TrimPrefix(path, "/admin/cookies/")+" <file>")
	data, err := os.ReadFile(args[0])
	fatal(err)
	result := doPost(path, string(data))
	if result["success"] == true {
		fmt.Printf("Imported: %s added, %s replaced, %s total.\n",
			fmtNum(result["added"]), fmtNum(result["replaced"]), fmtNum(result["total_cookies"]))
	}
}

func doReplace(args []string) {
	requireArgs(args, 1, "replace <file>")
	data, err := os.ReadFile(args[0])
	fatal(err)
	var body map[string]any
	fatal(json.Unmarshal(data, &body))
	body["force_replace"] = true
	encoded, err := json.Marshal(body)
	fatal(err)
	result := doPost("/admin/cookies", string(encoded))
	if result["success"] == true {
		fmt.Printf("Pool replaced: %s cookies.\n", fmtNum(result["total_cookies"]))
	}
}

func doDelete(args []string) {
	requireArgs(args, 1, "delete <file>")
	data, err := os.ReadFile(args[0])
	fatal(err)
	result := doPost("/admin/cookies/delete", string(data))
	if result["success"] == true {
		fmt.Printf("Deleted %s cookies, %s remain.\n", fmtNum(result["deleted"]), fmtNum(result["remaining"]))
	}
}

func doClear() {
	result := doDeleteReq("/admin/cookies")
	if result["success"] == true {
		fmt.Printf("Cleared %s cookies.\n", fmtNum(result["removed"]))
	}
}

func doAudit(args []string) {
	limit := parseLimit(args)
	data := doGet(fmt.Sprintf("/admin/audit?limit=%d", limit))
	entries, _ := data["entries"].([]any)
	if len(entries) == 0 {
		fmt.Println("No audit entries.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tACTION\tRESOURCE\tDETAIL\tREQUEST ID")
	for _, e := range entries {
		m, _ := e.(map[string]any)
		ts := fmtTime(m["timestamp"])
		action, _ := m["action"].(string)
		resource, _ := m["resource"].(string)
		detail, _ := m["detail"].(string)
		if len(detail) > 60 {
			detail = detail[:57] + "..."
		}
		reqID, _ := m["request_id"].(string)
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ts, action, resource, detail, reqID)
	}
	_ = tw.Flush()
}

// --- Formatting helpers ---

func fmtNum(v any) string {
	if v == nil {
		return "-"
	}
	switch n := v.(type) {
	case float64:
		if n == float64(int(n)) {
			return strconv.Itoa(int(n))
		}
		return strconv.FormatFloat(n, 'f', 1, 64)
	case int:
		return strconv.Itoa(n)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func fmtSeconds(v any) string {
	f, ok := v.(float64)
	if !ok {
		return "-"
	}
	return (time.Duration(f) * time.Second).String()
}

func fmtTime(v any) string {
	if v == nil {
		return "-"
	}
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
		return s
	}
	return fmt.Sprintf("%v", v)
}

func fmtDomains(v any) string {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(list))
	for _, d := range list {
		if s, ok := d.(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ",")
}

func jsonStr(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func init() {
	http.DefaultTransport.(*http.Transport).DisableKeepAlives = true
	http.DefaultClient.Timeout = 30 * time.Second
}
