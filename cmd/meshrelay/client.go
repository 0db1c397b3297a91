package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/meshrelay/meshrelay/internal/config"
	"github.com/meshrelay/meshrelay/internal/directory"
	"github.com/meshrelay/meshrelay/internal/mesh"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes [address]",
	Short: "List nodes known to a running relay",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runNodes,
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Show the message log of a running relay",
	RunE:  runMessages,
}

var stageCmd = &cobra.Command{
	Use:   "stage <message-json>",
	Short: "Stage a message for an observer to send",
	Long: `Stage a message on a running relay and print the token an observer
redeems with {"send_msg": "<token>"}. The message is given in JSON form, e.g.

  meshrelay stage --to c0:ff:ee:00:00:01 '{"msg_type":"ECHO_REQUEST","content":"hi"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runStage,
}

var (
	serverURL   string
	filterUp    string
	msgSrc      string
	msgType     string
	msgLimit    int
	outputJSON  bool
	stageTo     []string
	httpTimeout = 10 * time.Second
)

func init() {
	for _, c := range []*cobra.Command{nodesCmd, messagesCmd, stageCmd} {
		c.Flags().StringVarP(&serverURL, "server", "s", "", "relay base URL (default from config relay.listen)")
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{nodesCmd, messagesCmd} {
		c.Flags().BoolVar(&outputJSON, "json", false, "print raw JSON")
	}

	nodesCmd.Flags().StringVar(&filterUp, "uplink", "", "only nodes served by this uplink")

	messagesCmd.Flags().StringVar(&msgSrc, "src", "", "only messages from this node")
	messagesCmd.Flags().StringVar(&msgType, "type", "", "only messages of this type, e.g. MESH_SIGNIN")
	messagesCmd.Flags().IntVarP(&msgLimit, "limit", "n", directory.DefaultMessageLimit, "maximum number of messages")

	stageCmd.Flags().StringSliceVarP(&stageTo, "to", "t", nil, "recipient node address (repeatable)")
	stageCmd.MarkFlagRequired("to")
}

// baseURL returns the relay API root from --server or the config file.
func baseURL() (string, error) {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/"), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	host := cfg.Relay.Listen
	if strings.HasPrefix(host, ":") {
		host = "127.0.0.1" + host
	}
	return "http://" + host, nil
}

func apiRequest(method, path string, body io.Reader, out any) error {
	base, err := baseURL()
	if err != nil {
		return err
	}
	req, err := http.NewRequest(method, base+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("relay unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, apiErr.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runNodes(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		if _, err := mesh.ParseAddress(args[0]); err != nil {
			return err
		}
		var node directory.Node
		if err := apiRequest(http.MethodGet, "/api/nodes/"+args[0], nil, &node); err != nil {
			return err
		}
		return printJSON(node)
	}

	q := url.Values{}
	if filterUp != "" {
		q.Set("uplink", filterUp)
	}
	var resp struct {
		Nodes []directory.Node `json:"nodes"`
	}
	if err := apiRequest(http.MethodGet, "/api/nodes?"+q.Encode(), nil, &resp); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(resp.Nodes)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tUPLINK\tLAST SIGN-IN")
	for _, n := range resp.Nodes {
		uplink, signin := "-", "-"
		if n.Uplink != nil {
			uplink = n.Uplink.String()
		}
		if n.LastSignin != nil {
			signin = humanize.Time(*n.LastSignin)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", n.Address, uplink, signin)
	}
	return tw.Flush()
}

func runMessages(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if msgSrc != "" {
		q.Set("src", msgSrc)
	}
	if msgType != "" {
		q.Set("type", msgType)
	}
	q.Set("limit", fmt.Sprint(msgLimit))

	var resp struct {
		Messages []directory.MessageLogEntry `json:"messages"`
	}
	if err := apiRequest(http.MethodGet, "/api/messages?"+q.Encode(), nil, &resp); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(resp.Messages)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tUPLINK\tSRC\tTYPE\tSIZE")
	for _, m := range resp.Messages {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.Timestamp.Local().Format(time.DateTime), m.Uplink, m.Src, m.Type,
			humanize.Bytes(uint64(len(m.Data))))
	}
	return tw.Flush()
}

func runStage(cmd *cobra.Command, args []string) error {
	msg, err := mesh.UnmarshalJSON([]byte(args[0]))
	if err != nil {
		return err
	}
	recipients := make([]mesh.Address, 0, len(stageTo))
	for _, s := range stageTo {
		a, err := mesh.ParseAddress(s)
		if err != nil {
			return err
		}
		recipients = append(recipients, a)
	}

	data, err := mesh.MarshalJSON(msg)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]any{
		"msg":        json.RawMessage(data),
		"recipients": recipients,
	})
	if err != nil {
		return err
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := apiRequest(http.MethodPost, "/api/messages/stage", bytes.NewReader(body), &resp); err != nil {
		return err
	}
	fmt.Println(resp.Token)
	return nil
}
