package config

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/ini.v1"
)

// Credentials is the content of an INI-style credential file with
// [authentication], [connection] and [ssl] sections. Unknown sections are
// skipped without error.
type Credentials struct {
	Username string
	Password string

	Hostname   string
	Port       int
	TimeoutSec int

	CertFile string
	KeyFile  string
	CAFile   string
	Validate bool
}

var iniLoadOptions = ini.LoadOptions{
	// # and ; both open comments, including inline.
	Loose: false,
}

// LoadCredentials reads a credential file from disk.
func LoadCredentials(path string) (*Credentials, error) {
	file, err := ini.LoadSources(iniLoadOptions, path)
	if err != nil {
		return nil, fmt.Errorf("config: loading credential file %s: %w", path, err)
	}
	return credentialsFromFile(file)
}

// ParseCredentials reads credential data from a reader.
func ParseCredentials(r io.Reader) (*Credentials, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: reading credentials: %w", err)
	}
	file, err := ini.LoadSources(iniLoadOptions, data)
	if err != nil {
		return nil, fmt.Errorf("config: parsing credentials: %w", err)
	}
	return credentialsFromFile(file)
}

func credentialsFromFile(file *ini.File) (*Credentials, error) {
	creds := &Credentials{}

	if auth := file.Section("authentication"); auth != nil {
		creds.Username = auth.Key("username").String()
		creds.Password = auth.Key("password").String()
	}

	if conn := file.Section("connection"); conn != nil {
		creds.Hostname = conn.Key("hostname").String()
		if raw := conn.Key("port").String(); raw != "" {
			port, err := conn.Key("port").Int()
			if err != nil {
				return nil, fmt.Errorf("config: credential file: invalid port %q", raw)
			}
			creds.Port = port
		}
		if raw := conn.Key("timeout").String(); raw != "" {
			timeout, err := conn.Key("timeout").Int()
			if err != nil {
				return nil, fmt.Errorf("config: credential file: invalid timeout %q", raw)
			}
			creds.TimeoutSec = timeout
		}
	}

	if ssl := file.Section("ssl"); ssl != nil {
		creds.CertFile = ssl.Key("certfile").String()
		creds.KeyFile = ssl.Key("keyfile").String()
		creds.CAFile = ssl.Key("ca_certs").String()
		creds.Validate = parseBool(ssl.Key("validate").String())
	}

	return creds, nil
}

// parseBool accepts "true" and "1" as true; anything else is false.
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1":
		return true
	default:
		return false
	}
}

// Write serializes the credentials back to INI so a parse, serialize,
// parse cycle yields an equivalent configuration.
func (c *Credentials) Write(w io.Writer) error {
	file := ini.Empty()

	auth, err := file.NewSection("authentication")
	if err != nil {
		return err
	}
	auth.Key("username").SetValue(c.Username)
	auth.Key("password").SetValue(c.Password)

	conn, err := file.NewSection("connection")
	if err != nil {
		return err
	}
	conn.Key("hostname").SetValue(c.Hostname)
	conn.Key("port").SetValue(fmt.Sprintf("%d", c.Port))
	conn.Key("timeout").SetValue(fmt.Sprintf("%d", c.TimeoutSec))

	ssl, err := file.NewSection("ssl")
	if err != nil {
		return err
	}
	ssl.Key("certfile").SetValue(c.CertFile)
	ssl.Key("keyfile").SetValue(c.KeyFile)
	ssl.Key("ca_certs").SetValue(c.CAFile)
	validate := "false"
	if c.Validate {
		validate = "true"
	}
	ssl.Key("validate").SetValue(validate)

	_, err = file.WriteTo(w)
	return err
}
