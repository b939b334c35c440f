package main

import (
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"go-self-verifier/flow"
	"go-self-verifier/models"
	"go-self-verifier/report"
	"go-self-verifier/selfapp"
	"go-self-verifier/verification"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

func getStatus(t *testing.T) models.VerificationStatusResponse {
	t.Helper()
	resp, body, status := getJSON[models.VerificationStatusResponse](t, baseURL+"/api/verification")
	mustStatus(t, resp, http.StatusOK, body)
	return *status
}

func completeVerification(t *testing.T) models.SuccessResponse {
	t.Helper()
	resp, body, _ := postJSON[models.VerificationStatusResponse](t, baseURL+"/api/verification/started", nil)
	mustStatus(t, resp, http.StatusOK, body)

	resp, body, success := postJSON[models.SuccessResponse](t, baseURL+"/api/verification/success", testDisclosure())
	mustStatus(t, resp, http.StatusOK, body)
	return *success
}

func TestHealth(t *testing.T) {
	startTestServer(t, newTestEnv(selfProvider()))

	resp, body, health := getJSON[map[string]bool](t, baseURL+"/api/health")
	mustStatus(t, resp, http.StatusOK, body)
	require.True(t, (*health)["ok"])
}

func TestInitialStatusIsIdleWithSession(t *testing.T) {
	env := newTestEnv(selfProvider())
	startTestServer(t, env)

	status := getStatus(t)
	require.Equal(t, string(flow.Idle), status.Status)
	require.Equal(t, "⏸️ Ready to Verify", status.Label)
	require.True(t, status.HasSession)
	require.Nil(t, status.Data)
	require.Equal(t, 1, env.provider.Calls())
}

func TestGetSession(t *testing.T) {
	startTestServer(t, newTestEnv(selfProvider()))

	resp, body, session := getJSON[models.SessionResponse](t, baseURL+"/api/session")
	mustStatus(t, resp, http.StatusOK, body)

	require.NotNil(t, session.App)
	require.Equal(t, selfapp.AppVersion, session.App.Version)
	require.NotEmpty(t, session.App.SessionID)
	require.True(t, strings.HasPrefix(session.UniversalLink, selfapp.RedirectURL))

	png, err := base64.StdEncoding.DecodeString(session.QRCode)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(png), string(pngMagic)))
}

func TestGetQRCode(t *testing.T) {
	startTestServer(t, newTestEnv(selfProvider()))

	resp, err := http.Get(baseURL + "/api/session/qr.png")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	png, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(png), string(pngMagic)))
}

func TestSuccessFlow(t *testing.T) {
	env := newTestEnv(selfProvider())
	startTestServer(t, env)

	resp, body, pending := postJSON[models.VerificationStatusResponse](t, baseURL+"/api/verification/started", nil)
	mustStatus(t, resp, http.StatusOK, body)
	require.Equal(t, string(flow.Pending), pending.Status)
	require.Equal(t, "Verification in progress... Please complete the process in the Self app.", pending.StatusMessage)

	resp, body, success := postJSON[models.SuccessResponse](t, baseURL+"/api/verification/success", testDisclosure())
	mustStatus(t, resp, http.StatusOK, body)
	require.Equal(t, string(flow.Success), success.Status)
	require.Equal(t, report.StatusVerified, success.Report.Status)
	require.Equal(t, report.MarkVerified, success.Report.UserData.Name)
	require.Equal(t, report.MarkDocumentVerified, success.Report.UserData.Document)

	status := getStatus(t)
	require.Equal(t, string(flow.Success), status.Status)
	require.Equal(t, "✅ Verification Successful", status.Label)
	require.NotNil(t, status.Data)
	require.Equal(t, "ALICE JOHNSON", status.Data.Name)
	require.Equal(t, selfapp.ZeroAddress, status.Data.UserID)
	require.Equal(t, verification.FormatTimestamp(testNow), status.Data.VerificationTimestamp)
	require.Equal(t, "Netherlands", status.NationalityName)
	require.NotNil(t, status.Age)
	require.Equal(t, 34, *status.Age)
	require.Equal(t, verification.FormatTimestamp(testNow.Add(verification.ValidityWindow)), status.ValidUntil)
	require.Equal(t, report.MarkVerified, status.FieldStatus["passportNumber"])

	// persisted for the next page load
	record, ok := env.cache.Load()
	require.True(t, ok)
	require.Equal(t, *status.Data, record)

	published := env.publisher.Published()
	require.Len(t, published, 1)
	require.Equal(t, success.Report.VerificationID, published[0].VerificationID)
	require.Equal(t, selfapp.ZeroAddress, published[0].UserID)
}

func TestSuccessWithPartialDisclosure(t *testing.T) {
	startTestServer(t, newTestEnv(selfProvider()))

	resp, body, _ := postJSON[models.VerificationStatusResponse](t, baseURL+"/api/verification/started", nil)
	mustStatus(t, resp, http.StatusOK, body)

	resp, body, success := postJSON[models.SuccessResponse](t, baseURL+"/api/verification/success", verification.Disclosure{Name: "ALICE"})
	mustStatus(t, resp, http.StatusOK, body)
	require.Equal(t, report.MarkVerified, success.Report.UserData.Name)
	require.Equal(t, report.MarkNotProvided, success.Report.UserData.Nationality)
	require.Equal(t, report.MarkNoDocument, success.Report.UserData.Document)

	status := getStatus(t)
	require.Nil(t, status.Age)
	require.Empty(t, status.NationalityName)
}

func TestDownloadReport(t *testing.T) {
	startTestServer(t, newTestEnv(selfProvider()))

	resp, err := http.Get(baseURL + "/api/report")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	completeVerification(t)

	resp, err = http.Get(baseURL + "/api/report")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.Contains(t, resp.Header.Get("Content-Disposition"), "verification-report-")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "\n  \"verificationId\": \"VER_")
	require.Contains(t, string(body), `"status": "VERIFIED"`)
}

func TestCertificateDisabledWithoutSigner(t *testing.T) {
	startTestServer(t, newTestEnv(selfProvider()))
	completeVerification(t)

	resp, err := http.Get(baseURL + "/api/certificate")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCertificate(t *testing.T) {
	keyPath, pub := writeTestKey(t)
	signer, err := NewReportJwtCreator(keyPath, "self_verifier")
	require.NoError(t, err)

	env := newTestEnv(selfProvider())
	env.signer = signer
	startTestServer(t, env)

	resp, body, _ := getJSON[models.CertificateResponse](t, baseURL+"/api/certificate")
	mustStatus(t, resp, http.StatusNotFound, body)

	completeVerification(t)

	resp, body, certificate := getJSON[models.CertificateResponse](t, baseURL+"/api/certificate")
	mustStatus(t, resp, http.StatusOK, body)
	require.Equal(t, verification.FormatTimestamp(testNow.Add(verification.ValidityWindow)), certificate.ExpiresAt)

	// the fake clock is in the past, so skip the expiry check
	var claims ReportClaims
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	parsed, err := parser.ParseWithClaims(certificate.Jwt, &claims, keyFunc(pub))
	require.NoError(t, err)
	require.True(t, parsed.Valid)
	require.Equal(t, certificate.VerificationID, claims.ID)
	require.Equal(t, selfapp.ZeroAddress, claims.Subject)
	require.Equal(t, "NLD", claims.Nationality)
}

func TestErrorFlowAndReset(t *testing.T) {
	env := newTestEnv(selfProvider())
	startTestServer(t, env)

	resp, body, _ := postJSON[models.VerificationStatusResponse](t, baseURL+"/api/verification/started", nil)
	mustStatus(t, resp, http.StatusOK, body)

	resp, body, failed := postJSON[models.VerificationStatusResponse](t, baseURL+"/api/verification/error", models.VerificationErrorRequest{Message: "Document expired"})
	mustStatus(t, resp, http.StatusOK, body)
	require.Equal(t, string(flow.Error), failed.Status)
	require.Equal(t, "Document expired", failed.Message)
	require.Equal(t, "❌ Document expired", failed.StatusMessage)
	require.Equal(t, "❌ Verification Failed", failed.Label)

	resp, body, reset := postJSON[models.VerificationStatusResponse](t, baseURL+"/api/verification/reset", nil)
	mustStatus(t, resp, http.StatusOK, body)
	require.Equal(t, string(flow.Idle), reset.Status)
	require.Empty(t, reset.Message)
	// the session survives a reset
	require.True(t, reset.HasSession)
	require.Empty(t, env.publisher.Published())
}

func TestErrorWithoutMessageFallsBack(t *testing.T) {
	startTestServer(t, newTestEnv(selfProvider()))

	resp, body, _ := postJSON[models.VerificationStatusResponse](t, baseURL+"/api/verification/started", nil)
	mustStatus(t, resp, http.StatusOK, body)

	resp, body, failed := postJSON[models.VerificationStatusResponse](t, baseURL+"/api/verification/error", nil)
	mustStatus(t, resp, http.StatusOK, body)
	require.Equal(t, flow.MsgVerificationFailed, failed.Message)
}

func TestResetClearsCache(t *testing.T) {
	env := newTestEnv(selfProvider())
	startTestServer(t, env)
	completeVerification(t)
	require.True(t, env.cache.IsFresh())

	resp, body, reset := postJSON[models.VerificationStatusResponse](t, baseURL+"/api/verification/reset", nil)
	mustStatus(t, resp, http.StatusOK, body)
	require.Equal(t, string(flow.Idle), reset.Status)
	require.Nil(t, reset.Data)

	_, ok := env.cache.Load()
	require.False(t, ok)
	require.False(t, env.cache.IsFresh())

	resp, err := http.Get(baseURL + "/api/report")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFreshCacheSkipsVerification(t *testing.T) {
	env := newTestEnv(selfProvider())
	record := verification.Capture(testDisclosure(), selfapp.ZeroAddress, testNow)
	require.NoError(t, env.cache.Store(record))
	env.clock.Advance(23 * time.Hour)

	startTestServer(t, env)

	status := getStatus(t)
	require.Equal(t, string(flow.Success), status.Status)
	require.Equal(t, record, *status.Data)
	require.False(t, status.HasSession)
	require.Equal(t, 0, env.provider.Calls())

	// no session while a verification is on record
	resp, body, _ := getJSON[models.SessionResponse](t, baseURL+"/api/session")
	mustStatus(t, resp, http.StatusConflict, body)
}

func TestStaleCacheIsIgnored(t *testing.T) {
	env := newTestEnv(selfProvider())
	require.NoError(t, env.cache.Store(verification.Capture(testDisclosure(), selfapp.ZeroAddress, testNow)))
	env.clock.Advance(verification.ValidityWindow)

	startTestServer(t, env)

	status := getStatus(t)
	require.Equal(t, string(flow.Idle), status.Status)
	require.Nil(t, status.Data)
	require.Equal(t, 1, env.provider.Calls())

	// stale data is left in place until it is overwritten or reset
	_, ok := env.cache.Load()
	require.True(t, ok)
}

func TestInitFailureSurfacesAndCanBeRetried(t *testing.T) {
	env := newTestEnv(failingProvider{})
	startTestServer(t, env)

	status := getStatus(t)
	require.Equal(t, string(flow.Error), status.Status)
	require.Equal(t, flow.MsgInitFailed, status.Message)

	resp, body, _ := getJSON[models.SessionResponse](t, baseURL+"/api/session")
	mustStatus(t, resp, http.StatusConflict, body)

	resp, body, _ = postJSON[models.VerificationStatusResponse](t, baseURL+"/api/verification/reset", nil)
	mustStatus(t, resp, http.StatusOK, body)

	// still failing, so the retry surfaces as a server error
	resp, body, _ = getJSON[models.SessionResponse](t, baseURL+"/api/session")
	mustStatus(t, resp, http.StatusInternalServerError, body)
	require.Equal(t, flow.MsgInitFailed, string(body))
	require.Equal(t, 2, env.provider.Calls())
}

func TestInvalidTransitions(t *testing.T) {
	startTestServer(t, newTestEnv(selfProvider()))

	for _, path := range []string{"/api/verification/success", "/api/verification/error", "/api/verification/reset"} {
		resp, body, _ := postJSON[map[string]any](t, baseURL+path, nil)
		mustStatus(t, resp, http.StatusConflict, body)
	}

	resp, body, _ := postJSON[map[string]any](t, baseURL+"/api/verification/started", nil)
	mustStatus(t, resp, http.StatusOK, body)

	resp, body, _ = postJSON[map[string]any](t, baseURL+"/api/verification/started", nil)
	mustStatus(t, resp, http.StatusConflict, body)

	// still pending after the rejected call
	require.Equal(t, string(flow.Pending), getStatus(t).Status)
}

func TestCallbacksRequirePost(t *testing.T) {
	startTestServer(t, newTestEnv(selfProvider()))

	for _, path := range []string{"/api/verification/started", "/api/verification/success", "/api/verification/error", "/api/verification/reset"} {
		resp, err := http.Get(baseURL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, path)
	}
}

func TestMalformedBodyIsRejected(t *testing.T) {
	startTestServer(t, newTestEnv(selfProvider()))

	resp, body, _ := postJSON[map[string]any](t, baseURL+"/api/verification/started", nil)
	mustStatus(t, resp, http.StatusOK, body)

	resp, body = postRaw(t, baseURL+"/api/verification/success", "{not json")
	mustStatus(t, resp, http.StatusBadRequest, body)

	resp, body = postRaw(t, baseURL+"/api/verification/error", `{"message": 12}`)
	mustStatus(t, resp, http.StatusBadRequest, body)

	require.Equal(t, string(flow.Pending), getStatus(t).Status)
}

func TestServesEmbeddedPage(t *testing.T) {
	startTestServer(t, newTestEnv(selfProvider()))

	for _, path := range []string{"/", "/some/client/route"} {
		resp, err := http.Get(baseURL + path)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		require.NoError(t, err)

		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Contains(t, resp.Header.Get("Content-Type"), "text/html")
		require.Contains(t, string(body), "Identity Verification")
	}
}
