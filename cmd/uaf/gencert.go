package main

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/uaf"
)

var (
	certOutput      string
	keyOutput       string
	certName        string
	certOrg         string
	certCountry     string
	certAppURI      string
	certDNSNames    string
	certIPAddresses string
	certValidDays   int
	certKeySize     int
	certServer      bool
)

var gencertCmd = &cobra.Command{
	Use:   "gencert",
	Short: "Generate a self-signed application instance certificate",
	Long: `Generate a self-signed X.509 certificate and RSA private key for OPC UA
secure channels. The application URI is stored as Subject Alternative Name
and must match the application URI of the client.

Examples:
  uaf gencert
  uaf gencert --out-cert ./pki/own/cert.pem --out-key ./pki/own/key.pem
  uaf gencert --app-uri "urn:mycompany:myapp:client" --dns "localhost,myhost.local" --ip "127.0.0.1"`,
	RunE: runGencert,
}

func init() {
	gencertCmd.Flags().StringVar(&certOutput, "out-cert", "client-cert.pem", "Output path for certificate")
	gencertCmd.Flags().StringVar(&keyOutput, "out-key", "client-key.pem", "Output path for private key")
	gencertCmd.Flags().StringVar(&certName, "name", "uaf", "Common name")
	gencertCmd.Flags().StringVar(&certOrg, "org", "OPC UA Client", "Organization name")
	gencertCmd.Flags().StringVar(&certCountry, "country", "US", "Country code (2 letters)")
	gencertCmd.Flags().StringVar(&certAppURI, "app-uri", "urn:edgeo-scada:uaf:client", "OPC UA Application URI")
	gencertCmd.Flags().StringVar(&certDNSNames, "dns", "", "Comma-separated DNS names (default: localhost and the host name)")
	gencertCmd.Flags().StringVar(&certIPAddresses, "ip", "", "Comma-separated IP addresses (default: 127.0.0.1)")
	gencertCmd.Flags().IntVar(&certValidDays, "days", 365, "Certificate validity in days")
	gencertCmd.Flags().IntVar(&certKeySize, "key-size", 2048, "RSA key size in bits (2048 or 4096)")
	gencertCmd.Flags().BoolVar(&certServer, "server-auth", false, "Add the server authentication usage")
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runGencert(cmd *cobra.Command, args []string) error {
	if certKeySize != 2048 && certKeySize != 4096 {
		return fmt.Errorf("key size must be 2048 or 4096, got %d", certKeySize)
	}

	dnsNames := splitList(certDNSNames)
	if len(dnsNames) == 0 {
		dnsNames = append(dnsNames, "localhost")
		if host, err := os.Hostname(); err == nil && host != "localhost" {
			dnsNames = append(dnsNames, host)
		}
	}
	var ips []net.IP
	for _, s := range splitList(certIPAddresses) {
		ip := net.ParseIP(s)
		if ip == nil {
			return fmt.Errorf("invalid IP address: %s", s)
		}
		ips = append(ips, ip)
	}
	if len(ips) == 0 {
		ips = append(ips, net.ParseIP("127.0.0.1"))
	}

	fmt.Printf("Generating %d-bit RSA key pair and certificate...\n", certKeySize)
	der, key, err := uaf.GenerateCertificate(uaf.CertificateTemplate{
		CommonName:     certName,
		Organization:   certOrg,
		Country:        certCountry,
		ApplicationURI: certAppURI,
		DNSNames:       dnsNames,
		IPAddresses:    ips,
		Validity:       time.Duration(certValidDays) * 24 * time.Hour,
		KeySize:        certKeySize,
		Client:         true,
		Server:         certServer,
	})
	if err != nil {
		return err
	}

	if err := writePEM(certOutput, "CERTIFICATE", der, 0644); err != nil {
		return err
	}
	if err := writePEM(keyOutput, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0600); err != nil {
		return err
	}

	fmt.Printf("\nCertificate: %s\n", certOutput)
	fmt.Printf("Private key: %s\n", keyOutput)
	fmt.Printf("Application URI: %s\n", certAppURI)
	fmt.Printf("Thumbprint: %X\n", uaf.Thumbprint(der))
	fmt.Printf("Valid until: %s\n", time.Now().AddDate(0, 0, certValidDays).Format("2006-01-02"))
	fmt.Printf("\nUse with: uaf --cert %s --key %s --application-uri %s ...\n", certOutput, keyOutput, certAppURI)
	return nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
