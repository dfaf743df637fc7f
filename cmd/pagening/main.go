package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	apiclient "github.com/pagening/sitebuilder/pkg/api/client"
	"golang.org/x/term"
)

const defaultAPIBaseURL = "http://localhost:4000"

type cliConfig struct {
	APIBaseURL   string `json:"api_base_url"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args, false)
	case "signup":
		err = commandLogin(args, true)
	case "refresh":
		err = commandRefresh(args)
	case "plan":
		err = commandPlan(args)
	case "credits":
		err = commandCredits(args)
	case "published":
		err = commandPublished(args)
	case "project":
		err = commandProject(args)
	case "deploy":
		err = commandDeploy(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandLogin(args []string, signup bool) error {
	name := "login"
	if signup {
		name = "signup"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	email := fs.String("email", "", "Email address")
	password := fs.String("password", "", "Password (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default "+defaultAPIBaseURL+")")
	fs.Parse(args)

	if strings.TrimSpace(*email) == "" {
		return errors.New("--email is required")
	}

	secret := strings.TrimSpace(*password)
	if secret == "" {
		fmt.Print("Password: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		secret = string(bytes)
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}

	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var resp apiclient.LoginResponse
	if signup {
		resp, err = client.Signup(ctx, *email, secret)
	} else {
		resp, err = client.Login(ctx, *email, secret)
	}
	if err != nil {
		return err
	}
	cfg.AccessToken = resp.Tokens.AccessToken
	cfg.RefreshToken = resp.Tokens.RefreshToken
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("%s successful as %s\n", name, resp.User.Email)
	return nil
}

// session loads stored credentials and returns a ready client.
func session() (*apiclient.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, "", errors.New("please login first using 'pagening login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}

func commandRefresh(args []string) error {
	fs := flag.NewFlagSet("refresh", flag.ExitOnError)
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(cfg.RefreshToken) == "" {
		return errors.New("no refresh token stored, please login again")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	tokens, err := client.Refresh(ctx, cfg.RefreshToken)
	if err != nil {
		return err
	}
	cfg.AccessToken = tokens.AccessToken
	cfg.RefreshToken = tokens.RefreshToken
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("session refreshed")
	return nil
}

func commandPlan(args []string) error {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	fs.Parse(args)

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	info, err := client.Plan(ctx, token)
	if err != nil {
		return err
	}
	fmt.Printf("plan: %s\tcan_deploy: %t\n", info.Plan, info.CanDeploy)
	return nil
}

func commandCredits(args []string) error {
	fs := flag.NewFlagSet("credits", flag.ExitOnError)
	fs.Parse(args)

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	credits, err := client.Credits(ctx, token)
	if err != nil {
		return err
	}
	fmt.Printf("credits: %d\n", credits)
	return nil
}

// commandPublished lists the public gallery; it needs no session.
func commandPublished(args []string) error {
	fs := flag.NewFlagSet("published", flag.ExitOnError)
	limit := fs.Int("limit", 0, "Maximum number of projects to display")
	api := fs.String("api", "", "API base URL (defaults to the stored one)")
	fs.Parse(args)

	base := strings.TrimSpace(*api)
	if base == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		base = cfg.APIBaseURL
	}
	client, err := apiclient.New(base)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	projects, err := client.ListPublished(ctx, *limit)
	if err != nil {
		return err
	}
	for _, p := range projects {
		fmt.Printf("%s\t%s\t%s\n", p.ID, p.Name, orDash(p.CustomDomain))
	}
	return nil
}

func commandProject(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: pagening project [list|create|show|save|publish|delete|versions|rollback]")
	}
	sub := args[0]
	switch sub {
	case "list":
		return projectList(args[1:])
	case "create":
		return projectCreate(args[1:])
	case "show":
		return projectShow(args[1:])
	case "save":
		return projectSave(args[1:])
	case "publish":
		return projectPublish(args[1:])
	case "delete":
		return projectDelete(args[1:])
	case "versions":
		return projectVersions(args[1:])
	case "rollback":
		return projectRollback(args[1:])
	default:
		return fmt.Errorf("unknown project command: %s", sub)
	}
}

func projectList(args []string) error {
	fs := flag.NewFlagSet("project list", flag.ExitOnError)
	limit := fs.Int("limit", 0, "Maximum number of projects to display")
	fs.Parse(args)

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	projects, err := client.ListProjects(ctx, token)
	if err != nil {
		return err
	}
	count := len(projects)
	if *limit > 0 && *limit < count {
		count = *limit
	}
	for i := 0; i < count; i++ {
		p := projects[i]
		fmt.Printf("%s\t%s\t%s\tpublished=%t\n", p.ID, p.Name, orDash(p.CustomDomain), p.IsPublished)
	}
	return nil
}

func projectCreate(args []string) error {
	fs := flag.NewFlagSet("project create", flag.ExitOnError)
	name := fs.String("name", "", "Project name")
	prompt := fs.String("prompt", "", "Initial prompt used to generate the page")
	file := fs.String("file", "", "Optional HTML file to use as the initial code")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}
	code, err := readCode(*file)
	if err != nil {
		return err
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	project, err := client.CreateProject(ctx, token, apiclient.CreateProjectInput{
		Name:          *name,
		InitialPrompt: *prompt,
		Code:          code,
	})
	if err != nil {
		return err
	}
	fmt.Printf("project created: %s (%s)\n", project.ID, project.Name)
	return nil
}

func projectShow(args []string) error {
	fs := flag.NewFlagSet("project show", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	withCode := fs.Bool("code", false, "Print the current HTML")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	p, err := client.GetProject(ctx, token, *projectID)
	if err != nil {
		return err
	}
	if *withCode {
		fmt.Print(p.CurrentCode)
		return nil
	}
	fmt.Printf("id:        %s\n", p.ID)
	fmt.Printf("name:      %s\n", p.Name)
	fmt.Printf("domain:    %s\n", orDash(p.CustomDomain))
	fmt.Printf("published: %t\n", p.IsPublished)
	fmt.Printf("code:      %d bytes\n", len(p.CurrentCode))
	if p.Deploy != nil && p.Deploy.DeployedAt != nil {
		fmt.Printf("deployed:  %s at %s (%s)\n", p.Deploy.Domain, p.Deploy.DeployedAt.Format(time.RFC3339), orDash(p.Deploy.ServerIP))
	}
	return nil
}

func projectSave(args []string) error {
	fs := flag.NewFlagSet("project save", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	file := fs.String("file", "", "HTML file to upload")
	customDomain := fs.String("domain", "", "Custom domain (empty keeps none)")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	if strings.TrimSpace(*file) == "" {
		return errors.New("--file is required")
	}
	code, err := readCode(*file)
	if err != nil {
		return err
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p, err := client.SaveProject(ctx, token, *projectID, code, *customDomain)
	if err != nil {
		return err
	}
	fmt.Printf("project saved: %s domain=%s\n", p.ID, orDash(p.CustomDomain))
	return nil
}

func projectPublish(args []string) error {
	fs := flag.NewFlagSet("project publish", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	resp, err := client.TogglePublish(ctx, token, *projectID)
	if err != nil {
		return err
	}
	fmt.Printf("published: %t\n", resp.IsPublished)
	if resp.Deploy != nil {
		printDeployResult(*resp.Deploy)
	}
	return nil
}

func projectDelete(args []string) error {
	fs := flag.NewFlagSet("project delete", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := client.DeleteProject(ctx, token, *projectID); err != nil {
		return err
	}
	fmt.Println("project deleted")
	return nil
}

func projectVersions(args []string) error {
	fs := flag.NewFlagSet("project versions", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	versions, err := client.ListVersions(ctx, token, *projectID)
	if err != nil {
		return err
	}
	for _, v := range versions {
		marker := " "
		if v.Current {
			marker = "*"
		}
		fmt.Printf("%s %s\t%s\t%s\n", marker, v.ID, v.CreatedAt.Format(time.RFC3339), orDash(v.Description))
	}
	return nil
}

func projectRollback(args []string) error {
	fs := flag.NewFlagSet("project rollback", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	versionID := fs.String("version", "", "Version identifier from 'project versions'")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" || strings.TrimSpace(*versionID) == "" {
		return errors.New("--project and --version are required")
	}
	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := client.Rollback(ctx, token, *projectID, *versionID); err != nil {
		return err
	}
	fmt.Printf("project %s rolled back to version %s\n", *projectID, *versionID)
	return nil
}

func commandDeploy(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: pagening deploy [add|remove]")
	}
	sub := args[0]
	switch sub {
	case "add":
		return deployAdd(args[1:])
	case "remove":
		return deployRemove(args[1:])
	default:
		return fmt.Errorf("unknown deploy command: %s", sub)
	}
}

func deployAdd(args []string) error {
	fs := flag.NewFlagSet("deploy add", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	res, err := client.Deploy(ctx, token, *projectID)
	if err != nil {
		return err
	}
	printDeployResult(res)
	return nil
}

func deployRemove(args []string) error {
	fs := flag.NewFlagSet("deploy remove", flag.ExitOnError)
	projectID := fs.String("project", "", "Project identifier")
	deleteFiles := fs.Bool("delete-files", false, "Also delete the site's files on the serving host")
	fs.Parse(args)

	if strings.TrimSpace(*projectID) == "" {
		return errors.New("--project is required")
	}
	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	res, err := client.Undeploy(ctx, token, *projectID, *deleteFiles)
	if err != nil {
		return err
	}
	printDeployResult(res)
	return nil
}

func printDeployResult(res apiclient.DeployResult) {
	fmt.Println(res.Message)
	if !res.Success && res.Error != "" {
		fmt.Printf("error: %s\n", res.Error)
	}
	dns := res.DNSInstructions
	if dns == nil {
		return
	}
	fmt.Printf("\nPoint %s at %s:\n", orDash(res.Domain), dns.ServerIP)
	for _, rec := range dns.Records {
		fmt.Printf("  %s\t%s\t%s\tttl=%d\n", rec.Type, rec.Name, rec.Value, rec.TTL)
	}
	if dns.PropagationNote != "" {
		fmt.Println(dns.PropagationNote)
	}
	if dns.CheckURL != "" {
		fmt.Printf("check: %s\n", dns.CheckURL)
	}
}

func readCode(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBaseURL}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBaseURL
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "pagening", "config.json"), nil
}

func printUsage() {
	fmt.Printf("pagening CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	pagening signup --email user@example.com [--password secret] [--api http://localhost:4000]
	pagening login --email user@example.com [--password secret] [--api http://localhost:4000]
	pagening refresh
	pagening plan
	pagening credits
	pagening published [--limit N] [--api http://localhost:4000]
	pagening project list [--limit N]
	pagening project create --name <name> [--prompt text] [--file page.html]
	pagening project show --project <project-id> [--code]
	pagening project save --project <project-id> --file page.html [--domain example.com]
	pagening project publish --project <project-id>
	pagening project delete --project <project-id>
	pagening project versions --project <project-id>
	pagening project rollback --project <project-id> --version <version-id>
	pagening deploy add --project <project-id>
	pagening deploy remove --project <project-id> [--delete-files]
	pagening version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
