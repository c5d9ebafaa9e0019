package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func authResponse(n int) string {
	return fmt.Sprintf(`{"token":{"access_token":"access-%d","id_token":"id-%d","expires_in":3600}}`, n, n)
}

// newBackend stands up a fake auth+invoker pair. invoke is called with the
// bearer token and the decoded invoke body and returns status plus raw body.
func newBackend(t *testing.T, invoke func(token string, body map[string]interface{}) (int, string)) (*Client, *int) {
	t.Helper()

	authCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("auth content type = %q, want application/x-www-form-urlencoded", ct)
		}
		authCalls++
		fmt.Fprint(w, authResponse(authCalls))
	})
	mux.HandleFunc("/invoke", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("invoke body not JSON: %v", err)
		}
		token := r.Header.Get("Authorization")
		status, resp := invoke(token, body)
		w.WriteHeader(status)
		fmt.Fprint(w, resp)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	client := NewClient(ClientConfig{
		AuthURL:    server.URL + "/auth",
		InvokerURL: server.URL + "/invoke",
		UserAgent:  "test",
		Username:   "user",
		Password:   "pass",
		Timeout:    5 * time.Second,
	})
	return client, &authCalls
}

func envelope(payload string) string {
	b, _ := json.Marshal(payload)
	return fmt.Sprintf(`{"StatusCode":200,"Payload":%s}`, b)
}

func TestInvokeRefreshesOnceOn401(t *testing.T) {
	invokeCalls := 0
	client, authCalls := newBackend(t, func(token string, body map[string]interface{}) (int, string) {
		invokeCalls++
		if fn := body["fn"]; fn != "test-fn" {
			t.Errorf("fn = %v, want test-fn", fn)
		}
		if invokeCalls == 1 {
			if token != "Bearer access-1" {
				t.Errorf("first call token = %q, want Bearer access-1", token)
			}
			return http.StatusUnauthorized, `{}`
		}
		if token != "Bearer access-2" {
			t.Errorf("retry token = %q, want Bearer access-2", token)
		}
		return http.StatusOK, envelope(`{"ok":true}`)
	})

	raw, err := client.Invoke(context.Background(), "test-fn", nil)
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if string(raw) != `{"ok":true}` {
		t.Errorf("payload = %s", raw)
	}
	if *authCalls != 2 {
		t.Errorf("auth calls = %d, want 2 (initial + refresh)", *authCalls)
	}
	if invokeCalls != 2 {
		t.Errorf("invoke calls = %d, want 2", invokeCalls)
	}
}

func TestInvokeGivesUpOnSecond401(t *testing.T) {
	invokeCalls := 0
	client, authCalls := newBackend(t, func(string, map[string]interface{}) (int, string) {
		invokeCalls++
		return http.StatusUnauthorized, `{}`
	})

	_, err := client.Invoke(context.Background(), "test-fn", nil)
	if !errors.Is(err, ErrAuthExpired) {
		t.Fatalf("err = %v, want ErrAuthExpired", err)
	}
	if invokeCalls != 2 {
		t.Errorf("invoke calls = %d, want exactly 2 (no retry loop)", invokeCalls)
	}
	if *authCalls != 2 {
		t.Errorf("auth calls = %d, want 2", *authCalls)
	}
}

func TestInvokeWrapsPayloadForInvoker(t *testing.T) {
	client, _ := newBackend(t, func(_ string, body map[string]interface{}) (int, string) {
		if body["parse"] != false || body["escape"] != false {
			t.Errorf("invoker flags wrong: parse=%v escape=%v", body["parse"], body["escape"])
		}
		inner, ok := body["body"].(map[string]interface{})
		if !ok || inner["locale"] != "en_US" {
			t.Errorf("inner body = %v", body["body"])
		}
		return http.StatusOK, envelope(`[]`)
	})

	if _, err := client.Invoke(context.Background(), "test-fn", map[string]interface{}{"locale": "en_US"}); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
}

func TestUnwrapEnvelope(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "object payload",
			raw:  `{"StatusCode":200,"Payload":{"a":1}}`,
			want: `{"a":1}`,
		},
		{
			name: "string-encoded payload",
			raw:  envelope(`{"a":1}`),
			want: `{"a":1}`,
		},
		{
			name: "string-encoded payload with string-encoded body",
			raw:  envelope(`{"body":"[{\"duid\":\"d1\"}]"}`),
			want: `[{"duid":"d1"}]`,
		},
		{
			name: "object payload with object body",
			raw:  `{"StatusCode":200,"Payload":{"body":{"usage":[]}}}`,
			want: `{"usage":[]}`,
		},
		{
			name: "non-envelope response",
			raw:  `[1,2,3]`,
			want: `[1,2,3]`,
		},
		{
			name: "payload that is a plain string",
			raw:  envelope(`just text`),
			want: `"just text"`,
		},
	}
	for _, tt := range tests {
		got, err := unwrapEnvelope([]byte(tt.raw))
		if err != nil {
			t.Errorf("%s: unwrap failed: %v", tt.name, err)
			continue
		}
		if string(got) != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}

	if _, err := unwrapEnvelope([]byte(`not json`)); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("invalid envelope err = %v, want ErrMalformedPayload", err)
	}
}

func TestGetPumpCyclesThroughEnvelope(t *testing.T) {
	client, _ := newBackend(t, func(_ string, body map[string]interface{}) (int, string) {
		inner := body["body"].(map[string]interface{})
		if inner["type"] != "session" {
			t.Errorf("usage type = %v, want session", inner["type"])
		}
		if inner["duid"] != float64(42) {
			t.Errorf("duid = %v, want numeric client id 42", inner["duid"])
		}
		return http.StatusOK, envelope(`{"usage":[{"date":"2026-03-01T10:15:00Z","emptyVolume":5,"emptyVolumeUnits":"gal"}]}`)
	})

	cycles, err := client.GetPumpCycles(context.Background(), 42, 50)
	if err != nil {
		t.Fatalf("GetPumpCycles failed: %v", err)
	}
	if len(cycles) != 1 || cycles[0].EmptyVolume != 5 {
		t.Fatalf("cycles = %+v", cycles)
	}
	if cycles[0].Date.IsZero() {
		t.Error("cycle date not parsed")
	}
}

func TestGetShadowParsesReportedState(t *testing.T) {
	shadowDoc := `{"state":{"reported":{"crockTofDistance":455,"connected":true}}}`
	client, _ := newBackend(t, func(_ string, body map[string]interface{}) (int, string) {
		inner := body["body"].(map[string]interface{})
		if inner["clientId"] != float64(42) {
			t.Errorf("clientId = %v, want 42", inner["clientId"])
		}
		return http.StatusOK, envelope(shadowDoc)
	})

	reading, err := client.GetShadow(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetShadow failed: %v", err)
	}
	if reading.DistanceMM == nil || *reading.DistanceMM != 455 {
		t.Errorf("distance = %v, want 455", reading.DistanceMM)
	}
	if reading.Connected == nil || !*reading.Connected {
		t.Errorf("connected = %v, want true", reading.Connected)
	}
}

func TestListDevicesRecordsFederatedIdentity(t *testing.T) {
	client, _ := newBackend(t, func(_ string, _ map[string]interface{}) (int, string) {
		return http.StatusOK, envelope(`[{"duid":"d1","clientId":42,"federatedIdentity":"us-east-1:abc"}]`)
	})

	devices, err := client.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices failed: %v", err)
	}
	if len(devices) != 1 || devices[0].ClientID != 42 {
		t.Fatalf("devices = %+v", devices)
	}
	if got := client.cognitoIdentity(); got != "us-east-1:abc" {
		t.Errorf("cognito identity = %q, want us-east-1:abc", got)
	}
}

func TestGetEnvironmentSendsStringDuid(t *testing.T) {
	client, _ := newBackend(t, func(_ string, body map[string]interface{}) (int, string) {
		inner := body["body"].(map[string]interface{})
		params, ok := inner["pathParameters"].(map[string]interface{})
		if !ok {
			t.Fatalf("pathParameters missing: %v", inner)
		}
		if params["duid"] != strconv.Itoa(42) {
			t.Errorf("path duid = %v (%T), want string \"42\"", params["duid"], params["duid"])
		}
		return http.StatusOK, envelope(`{"tempData":{"value":18.5}}`)
	})

	env, err := client.GetEnvironment(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetEnvironment failed: %v", err)
	}
	if env.TempData["value"] != 18.5 {
		t.Errorf("tempData = %v", env.TempData)
	}
}
