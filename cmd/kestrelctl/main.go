package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/kestrel-ci/kestrel/internal/event"
	"github.com/kestrel-ci/kestrel/internal/lint"
	"github.com/kestrel-ci/kestrel/internal/plan"
	"github.com/kestrel-ci/kestrel/internal/source"
	"github.com/kestrel-ci/kestrel/internal/store"
	"github.com/kestrel-ci/kestrel/internal/version"
	"github.com/kestrel-ci/kestrel/internal/workflow"
)

const defaultWorkflowDir = ".kestrel/workflows"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "kestrelctl",
		Usage: "author, check and drive kestrel workflows from the terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://localhost:8080",
				Usage:   "kestreld base URL",
				EnvVars: []string{"KESTREL_SERVER"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "lint",
				Usage:     "Check workflow definitions for mistakes",
				ArgsUsage: "[dir or file]",
				Action:    lintAction,
			},
			{
				Name:      "plan",
				Usage:     "Show the runs a trigger would start, without starting them",
				ArgsUsage: "[dir or file]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "event", Aliases: []string{"e"}, Value: "pull_request", Usage: "trigger kind: pull_request or workflow_dispatch"},
					&cli.StringFlag{Name: "ref", Usage: "git ref of the trigger"},
					&cli.StringFlag{Name: "base-ref", Value: "main", Usage: "pull request base branch"},
					&cli.Int64Flag{Name: "pr", Value: 1, Usage: "pull request number"},
					&cli.StringFlag{Name: "sha", Usage: "trigger commit sha"},
					&cli.StringFlag{Name: "owner", Value: "local", Usage: "repository owner seen by workflow conditions"},
					&cli.StringFlag{Name: "repo", Value: "local", Usage: "repository name seen by workflow conditions"},
					&cli.StringFlag{Name: "actor", Value: "kestrelctl", Usage: "trigger actor seen by workflow conditions"},
					&cli.StringFlag{Name: "workflow", Aliases: []string{"w"}, Usage: "dispatch only the workflow with this name"},
					&cli.StringSliceFlag{Name: "input", Aliases: []string{"i"}, Usage: "dispatch input as key=value, repeatable"},
					&cli.BoolFlag{Name: "json", Usage: "print plans as JSON"},
				},
				Action: planAction,
			},
			{
				Name:      "render",
				Usage:     "Parse a workflow file and print its normalized form",
				ArgsUsage: "<file>",
				Action:    renderAction,
			},
			{
				Name:      "dispatch",
				Usage:     "Start a workflow on the server",
				ArgsUsage: "<project> <workflow>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "ref", Usage: "git ref to run at (default: the project's default branch)"},
					&cli.StringFlag{Name: "actor", Value: "kestrelctl", Usage: "recorded as the trigger actor"},
					&cli.StringSliceFlag{Name: "input", Aliases: []string{"i"}, Usage: "workflow input as key=value, repeatable"},
				},
				Action: dispatchAction,
			},
			{
				Name:      "runs",
				Usage:     "List runs, or show one run with its job instances",
				ArgsUsage: "[run id]",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "project", Aliases: []string{"p"}, Usage: "only runs of this project"},
					&cli.StringFlag{Name: "status", Usage: "only runs in this status"},
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20, Usage: "how many runs to list"},
				},
				Action: runsAction,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a run",
				ArgsUsage: "<run id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "reason", Usage: "recorded as the cancel reason"},
				},
				Action: cancelAction,
			},
			{
				Name:  "version",
				Usage: "Print the kestrelctl version",
				Action: func(c *cli.Context) error {
					fmt.Println(version.Version)
					return nil
				},
			},
		},
	}
}

func lintAction(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		path = defaultWorkflowDir
	}
	defs, err := loadDefinitions(path)
	if err != nil {
		return err
	}

	failed := false
	for _, def := range defs {
		report := lint.Lint(def)
		if len(report.Findings) == 0 {
			fmt.Printf("%s: ok\n", def.Name)
			continue
		}
		fmt.Printf("%s:\n", def.Name)
		for _, f := range report.Findings {
			fmt.Printf("  %s\n", f)
		}
		if report.HasErrors() {
			failed = true
		}
	}
	if failed {
		return cli.Exit("lint found errors", 1)
	}
	return nil
}

func planAction(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		path = defaultWorkflowDir
	}
	defs, err := loadDefinitions(path)
	if err != nil {
		return err
	}
	trig, err := syntheticTrigger(c)
	if err != nil {
		return err
	}

	for _, def := range defs {
		p, err := plan.Plan(def, trig)
		if errors.Is(err, plan.ErrNotTriggered) {
			fmt.Printf("%s: not triggered\n", def.Name)
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: %w", def.Name, err)
		}
		if c.Bool("json") {
			raw, err := json.MarshalIndent(p, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(raw))
			continue
		}
		printPlan(p)
	}
	return nil
}

// syntheticTrigger builds a local trigger from the plan flags so
// authors can preview matrix expansion and concurrency grouping
// without a server.
func syntheticTrigger(c *cli.Context) (event.Trigger, error) {
	trig := event.Trigger{
		ID:         "local-plan",
		Owner:      c.String("owner"),
		Repo:       c.String("repo"),
		Actor:      c.String("actor"),
		SHA:        c.String("sha"),
		ReceivedAt: time.Now().UTC(),
	}
	switch c.String("event") {
	case "pull_request", "pr":
		trig.Kind = event.KindPullRequest
		trig.PRNumber = c.Int64("pr")
		trig.BaseRef = c.String("base-ref")
		trig.HeadRef = "preview/branch"
		trig.Ref = c.String("ref")
		if trig.Ref == "" {
			trig.Ref = fmt.Sprintf("refs/pull/%d/merge", trig.PRNumber)
		}
	case "workflow_dispatch", "dispatch":
		inputs, err := parseInputs(c.StringSlice("input"))
		if err != nil {
			return event.Trigger{}, err
		}
		trig.Kind = event.KindDispatch
		trig.Workflow = c.String("workflow")
		trig.Inputs = inputs
		trig.Ref = c.String("ref")
		if trig.Ref == "" {
			trig.Ref = "refs/heads/" + c.String("base-ref")
		}
	default:
		return event.Trigger{}, fmt.Errorf("unknown event kind %q (want pull_request or workflow_dispatch)", c.String("event"))
	}
	return trig, nil
}

func printPlan(p *plan.RunPlan) {
	policy := "queue behind the holder"
	if p.CancelInProgress {
		policy = "cancel the in-flight holder"
	}
	fmt.Printf("%s\n", p.Workflow)
	fmt.Printf("  group: %s (%s)\n", p.Group, policy)
	for i, stage := range p.Stages {
		fmt.Printf("  stage %d:\n", i+1)
		for _, id := range stage {
			jp := p.Job(id)
			if jp == nil {
				continue
			}
			for _, inv := range jp.Invocations {
				fmt.Printf("    %s -> %s\n", inv.InstanceName, inv.Ref.String())
			}
		}
	}
	for _, sk := range p.Skipped {
		fmt.Printf("  skipped %s: %s\n", sk.JobID, sk.Reason)
	}
}

func renderAction(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.Exit("render needs a workflow file", 1)
	}
	def, err := workflow.ParseFile(path)
	if err != nil {
		return err
	}
	out, err := def.Encode()
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func dispatchAction(c *cli.Context) error {
	if c.Args().Len() < 2 {
		return cli.Exit("dispatch needs a project and a workflow name", 1)
	}
	project, wf := c.Args().Get(0), c.Args().Get(1)
	inputs, err := parseInputs(c.StringSlice("input"))
	if err != nil {
		return err
	}

	payload := map[string]any{
		"ref":   c.String("ref"),
		"actor": c.String("actor"),
	}
	if len(inputs) > 0 {
		payload["inputs"] = inputs
	}

	var resp struct {
		Status    string `json:"status"`
		TriggerID string `json:"trigger_id"`
	}
	path := fmt.Sprintf("/api/v1/projects/%s/workflows/%s/dispatch",
		url.PathEscape(project), url.PathEscape(wf))
	if err := callAPI(c.Context, http.MethodPost, apiURL(c, path), payload, &resp); err != nil {
		return err
	}
	fmt.Printf("queued trigger %s\n", resp.TriggerID)
	return nil
}

func runsAction(c *cli.Context) error {
	if id := c.Args().First(); id != "" {
		return showRun(c, id)
	}

	q := url.Values{}
	if v := c.String("project"); v != "" {
		q.Set("project", v)
	}
	if v := c.String("status"); v != "" {
		q.Set("status", v)
	}
	q.Set("limit", strconv.Itoa(c.Int("limit")))

	var runs []store.Run
	if err := callAPI(c.Context, http.MethodGet, apiURL(c, "/api/v1/runs?"+q.Encode()), nil, &runs); err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs")
		return nil
	}
	fmt.Printf("%-28s %-10s %-18s %-14s %s\n", "RUN", "STATUS", "WORKFLOW", "PROJECT", "QUEUED")
	for _, r := range runs {
		fmt.Printf("%-28s %-10s %-18s %-14s %s\n",
			r.ID, r.Status, r.Workflow, r.ProjectName, r.QueuedAt.Format(time.RFC3339))
	}
	return nil
}

func showRun(c *cli.Context, id string) error {
	var detail struct {
		Run  store.Run      `json:"run"`
		Jobs []store.JobRun `json:"jobs"`
	}
	if err := callAPI(c.Context, http.MethodGet, apiURL(c, "/api/v1/runs/"+url.PathEscape(id)), nil, &detail); err != nil {
		return err
	}

	r := detail.Run
	fmt.Printf("run %s\n", r.ID)
	fmt.Printf("  workflow: %s (%s)\n", r.Workflow, r.ProjectName)
	fmt.Printf("  status:   %s\n", r.Status)
	fmt.Printf("  group:    %s\n", r.Group)
	fmt.Printf("  ref:      %s @ %.12s\n", r.Ref, r.SHA)
	if r.CancelReason != "" {
		fmt.Printf("  reason:   %s\n", r.CancelReason)
	}
	fmt.Printf("%-30s %-12s %s\n", "  INSTANCE", "STATUS", "MESSAGE")
	for _, j := range detail.Jobs {
		fmt.Printf("  %-28s %-12s %s\n", j.InstanceName, j.Status, j.Message)
	}
	return nil
}

func cancelAction(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return cli.Exit("cancel needs a run id", 1)
	}
	payload := map[string]any{}
	if reason := c.String("reason"); reason != "" {
		payload["reason"] = reason
	}
	path := "/api/v1/runs/" + url.PathEscape(id) + "/cancel"
	if err := callAPI(c.Context, http.MethodPost, apiURL(c, path), payload, nil); err != nil {
		return err
	}
	fmt.Printf("cancelling run %s\n", id)
	return nil
}

// loadDefinitions accepts either a workflow directory or a single
// workflow file.
func loadDefinitions(path string) ([]*workflow.Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return source.LoadDir(path)
	}
	def, err := workflow.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return []*workflow.Definition{def}, nil
}

func parseInputs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	inputs := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("bad input %q: want key=value", pair)
		}
		inputs[k] = v
	}
	return inputs, nil
}

func apiURL(c *cli.Context, path string) string {
	return strings.TrimRight(c.String("server"), "/") + path
}

func callAPI(ctx context.Context, method, target string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}
