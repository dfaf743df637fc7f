package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/pagening/sitebuilder/pkg/config"
)

func newTestClient(url, secret string) *Client {
	return New(config.APIConfig{DeployAgentURL: url, DeploySecret: secret})
}

func TestDeploySendsSecretAndPayload(t *testing.T) {
	var got DeployRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/deploy" {
			t.Errorf("expected /deploy, got %s", r.URL.Path)
		}
		if r.Header.Get(SecretHeader) != "s3cret" {
			t.Errorf("expected secret header, got %q", r.Header.Get(SecretHeader))
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":true,"projectId":"p1","domain":"example.com","webRoot":"/var/www/p1",
			"dnsInstructions":{"serverIp":"203.0.113.7","records":[{"type":"A","name":"@","value":"203.0.113.7","ttl":3600}],
			"propagationNote":"up to 48h","checkUrl":"https://dnschecker.org/#A/example.com"}}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL+"/", "s3cret")
	res, err := client.Deploy(context.Background(), DeployRequest{ProjectID: "p1", CustomDomain: "example.com", HTMLContent: "<h1>hi</h1>"})
	if err != nil {
		t.Fatalf("Deploy returned error: %v", err)
	}
	if got.ProjectID != "p1" || got.CustomDomain != "example.com" || got.HTMLContent != "<h1>hi</h1>" {
		t.Fatalf("unexpected request payload: %+v", got)
	}
	if res.Domain != "example.com" {
		t.Fatalf("expected domain example.com, got %q", res.Domain)
	}
	if res.DNSInstructions.ServerIP != "203.0.113.7" || len(res.DNSInstructions.Records) != 1 {
		t.Fatalf("unexpected dns instructions: %+v", res.DNSInstructions)
	}
	if res.DNSInstructions.Records[0].TTL != 3600 {
		t.Fatalf("expected ttl 3600, got %d", res.DNSInstructions.Records[0].TTL)
	}
}

func TestDeployRequiresConfigurationBeforeNetwork(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer server.Close()

	_, err := newTestClient("", "s3cret").Deploy(context.Background(), DeployRequest{ProjectID: "p1"})
	if !errors.Is(err, ErrAgentURLMissing) || !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrAgentURLMissing, got %v", err)
	}

	_, err = newTestClient(server.URL, "  ").Deploy(context.Background(), DeployRequest{ProjectID: "p1"})
	if !errors.Is(err, ErrSecretMissing) {
		t.Fatalf("expected ErrSecretMissing, got %v", err)
	}

	err = newTestClient(server.URL, "").Undeploy(context.Background(), UndeployRequest{ProjectID: "p1"})
	if !errors.Is(err, ErrSecretMissing) {
		t.Fatalf("expected ErrSecretMissing on undeploy, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("expected no requests to reach the agent, got %d", hits)
	}
}

func TestDeployReportsAgentRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"success":false,"error":"Unauthorized"}`)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, "wrong").Deploy(context.Background(), DeployRequest{ProjectID: "p1", CustomDomain: "example.com", HTMLContent: "x"})
	var agentErr *AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("expected AgentError, got %v", err)
	}
	if agentErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", agentErr.Status)
	}
	if err.Error() != "Deploy agent returned 401: Unauthorized" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestDeployWithoutReasonUsesUnknownError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"success":false}`)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, "s3cret").Deploy(context.Background(), DeployRequest{ProjectID: "p1"})
	if err == nil || err.Error() != "Deploy agent returned 500: unknown error" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestDeployFallsBackToRawBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream down\n")
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, "s3cret").Deploy(context.Background(), DeployRequest{ProjectID: "p1"})
	if err == nil || err.Error() != "Deploy agent returned 502: upstream down" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestDeployTreatsSuccessFalseAsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":false,"error":"disk full"}`)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL, "s3cret").Deploy(context.Background(), DeployRequest{ProjectID: "p1"})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected disk full failure, got %v", err)
	}
}

func TestDeployWrapsTransportErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestClient(url, "s3cret").Deploy(context.Background(), DeployRequest{ProjectID: "p1"})
	if err == nil || !strings.HasPrefix(err.Error(), "contact deploy agent:") {
		t.Fatalf("expected transport error, got %v", err)
	}
	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		t.Fatalf("transport error must not be an AgentError")
	}
}

func TestUndeploySendsDelete(t *testing.T) {
	var got UndeployRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("expected DELETE, got %s", r.Method)
		}
		if r.Header.Get(SecretHeader) != "s3cret" {
			t.Errorf("expected secret header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"success":true}`)
	}))
	defer server.Close()

	err := newTestClient(server.URL, "s3cret").Undeploy(context.Background(), UndeployRequest{ProjectID: "p1", CustomDomain: "example.com", DeleteFiles: true})
	if err != nil {
		t.Fatalf("Undeploy returned error: %v", err)
	}
	if got.ProjectID != "p1" || got.CustomDomain != "example.com" || !got.DeleteFiles {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestUndeployReportsAgentRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"site not found"}`)
	}))
	defer server.Close()

	err := newTestClient(server.URL, "s3cret").Undeploy(context.Background(), UndeployRequest{ProjectID: "p1", CustomDomain: "example.com"})
	if err == nil || err.Error() != "Undeploy agent returned 404: site not found" {
		t.Fatalf("unexpected error %v", err)
	}
}
