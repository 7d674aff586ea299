// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package uaf

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/edgeo-scada/uaf/internal/uasim"
	"github.com/edgeo-scada/uaf/ua"
)

type testCert struct {
	der []byte
	key *rsa.PrivateKey
}

var (
	certsOnce sync.Once
	certsErr  error
	clientCrt testCert
	serverCrt testCert
)

func testCertificates(t *testing.T) (client, server testCert) {
	t.Helper()
	certsOnce.Do(func() {
		clientCrt.der, clientCrt.key, certsErr = GenerateCertificate(CertificateTemplate{
			CommonName:     "uaf test client",
			ApplicationURI: "urn:edgeo-scada:uaf:test",
			Client:         true,
		})
		if certsErr != nil {
			return
		}
		serverCrt.der, serverCrt.key, certsErr = GenerateCertificate(CertificateTemplate{
			CommonName:     "uasim",
			ApplicationURI: "urn:uasim:d",
			DNSNames:       []string{"d"},
			Server:         true,
		})
	})
	if certsErr != nil {
		t.Fatalf("GenerateCertificate: %v", certsErr)
	}
	return clientCrt, serverCrt
}

func TestGenerateCertificate(t *testing.T) {
	client, _ := testCertificates(t)

	c, err := x509.ParseCertificate(client.der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if len(c.URIs) != 1 || c.URIs[0].String() != "urn:edgeo-scada:uaf:test" {
		t.Errorf("URIs = %v", c.URIs)
	}
	if c.KeyUsage&x509.KeyUsageKeyEncipherment == 0 || c.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		t.Errorf("KeyUsage = %b", c.KeyUsage)
	}
	if c.Subject.CommonName != "uaf test client" {
		t.Errorf("CommonName = %q", c.Subject.CommonName)
	}

	if _, _, err := GenerateCertificate(CertificateTemplate{}); err == nil {
		t.Errorf("certificate without application URI generated")
	}
}

func TestMemoryCertificateStore(t *testing.T) {
	client, server := testCertificates(t)

	store, err := NewMemoryCertificateStore(client.der, client.key)
	if err != nil {
		t.Fatalf("NewMemoryCertificateStore: %v", err)
	}
	if v := store.Validate(server.der); v.Trusted || v.Cause == nil {
		t.Errorf("untrusted certificate: %+v", v)
	}
	if v := store.Validate(nil); v.Trusted || v.Cause == nil {
		t.Errorf("empty certificate: %+v", v)
	}
	if err := store.Trust(server.der); err != nil {
		t.Fatalf("Trust: %v", err)
	}
	if v := store.Validate(server.der); !v.Trusted {
		t.Errorf("trusted certificate rejected: %v", v.Cause)
	}
	if err := store.Trust([]byte("garbage")); err == nil {
		t.Errorf("garbage trusted")
	}

	data := []byte("nonce")
	sig, err := store.Sign(data)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := store.Verify(client.der, data, sig); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if err := store.Verify(client.der, []byte("other"), sig); err == nil {
		t.Errorf("signature of other data verified")
	}
	if err := store.Verify(server.der, data, sig); err == nil {
		t.Errorf("signature verified with the wrong certificate")
	}

	empty, _ := NewMemoryCertificateStore(nil, nil)
	if _, err := empty.Sign(data); err == nil {
		t.Errorf("store without key signed")
	}
	if empty.PrivateKey() != nil || empty.Certificate() != nil {
		t.Errorf("empty store holds a certificate")
	}
}

func TestFileCertificateStore(t *testing.T) {
	client, server := testCertificates(t)
	dir := t.TempDir()
	trust := filepath.Join(dir, "trusted")
	if err := os.Mkdir(trust, 0o755); err != nil {
		t.Fatal(err)
	}

	write := func(name string, data []byte) string {
		t.Helper()
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, data, 0o600); err != nil {
			t.Fatal(err)
		}
		return p
	}
	certFile := write("client.pem", pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: client.der}))
	keyFile := write("client.key", pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(client.key)}))
	write(filepath.Join("trusted", "server.der"), server.der)
	write(filepath.Join("trusted", "README"), []byte("not a certificate"))

	store, err := NewFileCertificateStore(certFile, keyFile, trust)
	if err != nil {
		t.Fatalf("NewFileCertificateStore: %v", err)
	}
	if string(store.Certificate()) != string(client.der) {
		t.Errorf("certificate not loaded")
	}
	if store.PrivateKey() == nil {
		t.Errorf("key not loaded")
	}
	if v := store.Validate(server.der); !v.Trusted {
		t.Errorf("trust list not loaded: %v", v.Cause)
	}

	if _, err := NewFileCertificateStore(filepath.Join(dir, "missing.pem"), "", ""); err == nil {
		t.Errorf("missing certificate file accepted")
	}
}

func TestSecureSession(t *testing.T) {
	client, server := testCertificates(t)
	secured := &SessionSettings{
		SecurityPolicy: ua.SecurityPolicyBasic256Sha256,
		SecurityMode:   ua.MessageSecurityModeSignAndEncrypt,
	}
	target := []ReadTarget{{Address: NewNodeAddress("urn:uasim:d", ua.ServerStatusStateNode)}}

	addServer := func(env *testEnv) {
		d := env.net.AddServer(uasim.ServerConfig{
			URI:         "urn:uasim:d",
			EndpointURL: "opc.tcp://d:4840",
			Secured:     true,
			Certificate: server.der,
		})
		env.net.AddDiscoveryURL(lds, d)
	}

	t.Run("trusted", func(t *testing.T) {
		store, err := NewMemoryCertificateStore(client.der, client.key, server.der)
		if err != nil {
			t.Fatal(err)
		}
		env := newTestEnv(t, WithCertificateStore(store))
		addServer(env)

		res, err := env.c.Read(testContext(t), &ReadRequest{Targets: target, Session: secured})
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		info, err := env.c.SessionInformation(res.Targets[0].ConnectionID)
		if err != nil {
			t.Fatalf("SessionInformation: %v", err)
		}
		if info.SecurityMode != ua.MessageSecurityModeSignAndEncrypt || info.SecurityPolicy != ua.SecurityPolicyBasic256Sha256 {
			t.Errorf("session security = %v %v", info.SecurityPolicy, info.SecurityMode)
		}
	})

	t.Run("untrusted", func(t *testing.T) {
		store, err := NewMemoryCertificateStore(client.der, client.key)
		if err != nil {
			t.Fatal(err)
		}
		env := newTestEnv(t, WithCertificateStore(store))
		addServer(env)

		_, err = env.c.Read(testContext(t), &ReadRequest{Targets: target, Session: secured})
		if !IsSecurityError(err) || !IsStatusCode(err, ua.StatusBadCertificateUntrusted) {
			t.Errorf("err = %v, want BadCertificateUntrusted", err)
		}
		if n := env.net.Calls(ua.ServiceCreateSession); n != 0 {
			t.Errorf("%d sessions opened to an untrusted server", n)
		}
	})

	t.Run("no store", func(t *testing.T) {
		env := newTestEnv(t)
		addServer(env)

		_, err := env.c.Read(testContext(t), &ReadRequest{Targets: target, Session: secured})
		if !IsSecurityError(err) || !IsStatusCode(err, ua.StatusBadSecurityChecksFailed) {
			t.Errorf("err = %v, want BadSecurityChecksFailed", err)
		}
	})

	t.Run("unsecured endpoint", func(t *testing.T) {
		env := newTestEnv(t)
		addServer(env)

		res, err := env.c.Read(testContext(t), &ReadRequest{Targets: target})
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if res.Targets[0].Err != nil {
			t.Errorf("target err = %v", res.Targets[0].Err)
		}
	})
}
