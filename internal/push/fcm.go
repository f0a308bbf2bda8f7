package push

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	fcmreceiver "github.com/morhaviv/go-fcm-receiver"
)

// topicSubscribeURL is the GCM registration endpoint; registering with a
// topic scope subscribes the device, the same call the Android client makes.
const topicSubscribeURL = "https://android.clients.google.com/c2dm/register3"

// fcmClient adapts the vendor client library to the Client contract.
type fcmClient struct {
	client   *fcmreceiver.FCMClient
	http     *http.Client
	topicURL string
}

// NewFCMClient is the production Factory. It builds a vendor client for the
// credential's identity triple; keys and registration are installed later by
// the worker.
func NewFCMClient(apiKey, appID, projectID string) (Client, error) {
	if apiKey == "" || appID == "" || projectID == "" {
		return nil, fmt.Errorf("incomplete vendor identity (api_key/app_id/project_id)")
	}
	return &fcmClient{
		client: &fcmreceiver.FCMClient{
			ApiKey:    apiKey,
			AppId:     appID,
			ProjectID: projectID,
		},
		http:     &http.Client{Timeout: 10 * time.Second},
		topicURL: topicSubscribeURL,
	}, nil
}

func (f *fcmClient) CreateNewKeys() (string, string, error) {
	privateKey, authSecret, err := f.client.CreateNewKeys()
	if err != nil {
		return "", "", fmt.Errorf("create keys: %w", err)
	}
	return privateKey, authSecret, nil
}

func (f *fcmClient) LoadKeys(privateKey, authSecret string) error {
	if err := f.client.LoadKeys(privateKey, authSecret); err != nil {
		return fmt.Errorf("load keys: %w", err)
	}
	return nil
}

func (f *fcmClient) Register() (Registration, error) {
	fcmToken, gcmToken, androidID, securityToken, err := f.client.Register()
	if err != nil {
		return Registration{}, fmt.Errorf("vendor registration: %w", err)
	}
	return Registration{
		FCMToken:      fcmToken,
		GCMToken:      gcmToken,
		AndroidID:     androidID,
		SecurityToken: securityToken,
	}, nil
}

func (f *fcmClient) SetRegistration(reg Registration) {
	f.client.FcmToken = reg.FCMToken
	f.client.GcmToken = reg.GCMToken
	f.client.AndroidId = reg.AndroidID
	f.client.SecurityToken = reg.SecurityToken
}

// SubscribeToTopic registers the device for a topic scope. The vendor
// library exposes no topic API, so the adapter speaks to the registration
// endpoint directly, authenticated with the device's checkin identity.
func (f *fcmClient) SubscribeToTopic(topic string) error {
	if f.client.AndroidId == 0 || f.client.SecurityToken == 0 || f.client.FcmToken == "" {
		return fmt.Errorf("subscribe %q: device not registered", topic)
	}

	scope := "/topics/" + topic
	form := url.Values{
		"app":         {"org.chromium.linux"},
		"X-subtype":   {f.client.AppId},
		"device":      {strconv.FormatUint(f.client.AndroidId, 10)},
		"sender":      {f.client.FcmToken},
		"X-gcm.topic": {scope},
		"X-scope":     {scope},
	}
	req, err := http.NewRequest(http.MethodPost, f.topicURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", topic, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization",
		fmt.Sprintf("AidLogin %d:%d", f.client.AndroidId, f.client.SecurityToken))

	resp, err := f.http.Do(req)
	if err != nil {
		return fmt.Errorf("subscribe %q: %w", topic, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	reply := strings.TrimSpace(string(body))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("subscribe %q: HTTP %d: %s", topic, resp.StatusCode, reply)
	}
	// The endpoint reports failure in the body, not the status code.
	if strings.HasPrefix(reply, "Error=") {
		return fmt.Errorf("subscribe %q: %s", topic, reply)
	}
	return nil
}

func (f *fcmClient) OnDataMessage(fn func(payload []byte)) {
	f.client.OnDataMessage = fn
}

func (f *fcmClient) StartListening() error {
	return f.client.StartListening()
}

func (f *fcmClient) Close() {
	f.client.Close()
}
