// Command qgctl is a small admin CLI against a running gateway.
//
// Exit codes: 0 success, 2 usage, 3 auth, 4 not found, 5 conflict,
// 6 rate limited, 1 anything else.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	exitOK          = 0
	exitUsage       = 2
	exitAuth        = 3
	exitNotFound    = 4
	exitConflict    = 5
	exitRateLimited = 6
)

type client struct {
	base   string
	token  string
	tenant string
	http   *http.Client
}

func newClient() *client {
	return &client{
		base:   getenv("QUERYGATE_ADDR", "http://localhost:8080"),
		token:  os.Getenv("QUERYGATE_TOKEN"),
		tenant: os.Getenv("QUERYGATE_TENANT"),
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError carries the gateway's error envelope plus the HTTP status.
type apiError struct {
	Status  int
	Kind    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Kind)
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.tenant != "" {
		req.Header.Set("X-Tenant", c.tenant)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var envelope struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		b, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(b, &envelope)
		if envelope.Error == "" {
			envelope.Error = string(b)
		}
		return &apiError{Status: resp.StatusCode, Kind: envelope.Kind, Message: envelope.Error}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(exitUsage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	c := newClient()

	var err error
	switch flag.Arg(0) {
	case "login":
		err = cmdLogin(ctx, c, flag.Args()[1:])
	case "create-user":
		err = cmdCreateUser(ctx, c, flag.Args()[1:])
	case "grant":
		err = cmdGrant(ctx, c, flag.Args()[1:])
	case "revoke":
		err = cmdRevoke(ctx, c, flag.Args()[1:])
	case "query":
		err = cmdQuery(ctx, c, flag.Args()[1:])
	case "tenant-health":
		err = cmdTenantHealth(ctx, c)
	default:
		usage()
		os.Exit(exitUsage)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "qgctl:", err)
		os.Exit(exitCode(err))
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: qgctl <command> [flags]

commands:
  login         -identifier -password -tenant   print a bearer token
  create-user   -username -email -password [-admin]
  grant         -user -tenant -roles r1,r2
  revoke        -user -tenant
  query         -text "..." [-max-rows n]
  tenant-health

environment:
  QUERYGATE_ADDR    gateway base URL (default http://localhost:8080)
  QUERYGATE_TOKEN   bearer token for authenticated commands
  QUERYGATE_TENANT  value for the X-Tenant header`)
}

func exitCode(err error) int {
	var ae *apiError
	if !errors.As(err, &ae) {
		return 1
	}
	switch ae.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return exitAuth
	case http.StatusNotFound:
		return exitNotFound
	case http.StatusConflict:
		return exitConflict
	case http.StatusTooManyRequests:
		return exitRateLimited
	default:
		return 1
	}
}

func cmdLogin(ctx context.Context, c *client, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	identifier := fs.String("identifier", "", "username or email")
	password := fs.String("password", "", "password")
	tenant := fs.String("tenant", "", "tenant id")
	_ = fs.Parse(args)
	if *identifier == "" || *password == "" || *tenant == "" {
		fs.Usage()
		os.Exit(exitUsage)
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/login", map[string]any{
		"identifier": *identifier, "password": *password, "tenant_id": *tenant,
	}, &resp); err != nil {
		return err
	}
	fmt.Println(resp.Token)
	return nil
}

func cmdCreateUser(ctx context.Context, c *client, args []string) error {
	fs := flag.NewFlagSet("create-user", flag.ExitOnError)
	username := fs.String("username", "", "username")
	email := fs.String("email", "", "email")
	password := fs.String("password", "", "password")
	admin := fs.Bool("admin", false, "grant global admin")
	_ = fs.Parse(args)
	if *username == "" || *email == "" || *password == "" {
		fs.Usage()
		os.Exit(exitUsage)
	}

	var resp struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	if err := c.do(ctx, http.MethodPost, "/users", map[string]any{
		"username": *username, "email": *email, "password": *password,
		"is_global_admin": *admin,
	}, &resp); err != nil {
		return err
	}
	fmt.Println(resp.User.ID)
	return nil
}

func cmdGrant(ctx context.Context, c *client, args []string) error {
	fs := flag.NewFlagSet("grant", flag.ExitOnError)
	user := fs.String("user", "", "user id")
	tenant := fs.String("tenant", "", "tenant id")
	roles := fs.String("roles", "", "comma-separated role names")
	_ = fs.Parse(args)
	if *user == "" || *tenant == "" || *roles == "" {
		fs.Usage()
		os.Exit(exitUsage)
	}

	return c.do(ctx, http.MethodPost, "/access/grant", map[string]any{
		"user_id": *user, "tenant_id": *tenant, "roles": splitComma(*roles),
	}, nil)
}

func cmdRevoke(ctx context.Context, c *client, args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	user := fs.String("user", "", "user id")
	tenant := fs.String("tenant", "", "tenant id")
	_ = fs.Parse(args)
	if *user == "" || *tenant == "" {
		fs.Usage()
		os.Exit(exitUsage)
	}

	return c.do(ctx, http.MethodPost, "/access/revoke", map[string]any{
		"user_id": *user, "tenant_id": *tenant,
	}, nil)
}

func cmdQuery(ctx context.Context, c *client, args []string) error {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	text := fs.String("text", "", "query text")
	maxRows := fs.Int("max-rows", 0, "row cap")
	_ = fs.Parse(args)
	if *text == "" {
		fs.Usage()
		os.Exit(exitUsage)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
	}
	if err := c.do(ctx, http.MethodPost, "/query", map[string]any{
		"text": *text, "options": map[string]any{"max_rows": *maxRows},
	}, &resp); err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, resp.Result, "", "  "); err != nil {
		fmt.Println(string(resp.Result))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func cmdTenantHealth(ctx context.Context, c *client) error {
	var resp json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/health/tenant", nil, &resp); err != nil {
		return err
	}
	fmt.Println(string(resp))
	return nil
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

