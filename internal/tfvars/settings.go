package tfvars

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ModuleSettings holds read-only configuration parsed from a module's
// canonical terraform.tfvars. These values must be known before the
// job-scoped file is written, e.g. to compute the database hostname.
type ModuleSettings struct {
	AWSAccessKey          string
	AWSSecretKey          string
	RDSInstanceName       string
	RDSDomain             string
	PostgresUser          string
	PostgresPassword      string
	DBPort                int
	EC2InstanceID         string
	RemoteUser            string
	SSHKeyPath            string
	SupersetAdminUsername string
}

// RDSHostname composes the full database hostname from the instance name
// and domain variables.
func (s ModuleSettings) RDSHostname() string {
	return fmt.Sprintf("%s.%s", s.RDSInstanceName, s.RDSDomain)
}

var trailingComment = regexp.MustCompile(`#.*$`)

// ParseVarsFile parses a flat tfvars file into typed values: bare integers,
// lowercase true/false booleans, and quoted or bare strings. Comment lines
// and inline comments are ignored.
func ParseVarsFile(path string) (map[string]interface{}, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	result := make(map[string]interface{})
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(trailingComment.ReplaceAllString(parts[1], ""))

		if strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) && len(value) >= 2 {
			result[key] = value[1 : len(value)-1]
			continue
		}
		if intVal, err := strconv.Atoi(value); err == nil {
			result[key] = intVal
			continue
		}
		switch strings.ToLower(value) {
		case "true":
			result[key] = true
		case "false":
			result[key] = false
		default:
			result[key] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// settingsKeyMapping maps tfvars keys to ModuleSettings fields. Both the
// warehouse and superset modules use overlapping but distinct key sets.
var settingsKeyMapping = map[string]func(*ModuleSettings, interface{}){
	"aws_access_key":          func(s *ModuleSettings, v interface{}) { setString(&s.AWSAccessKey, v) },
	"aws_secret_key":          func(s *ModuleSettings, v interface{}) { setString(&s.AWSSecretKey, v) },
	"rdsname":                 func(s *ModuleSettings, v interface{}) { setString(&s.RDSInstanceName, v) },
	"RDS_DOMAIN":              func(s *ModuleSettings, v interface{}) { setString(&s.RDSDomain, v) },
	"POSTGRES_USER":           func(s *ModuleSettings, v interface{}) { setString(&s.PostgresUser, v) },
	"POSTGRES_PASSWORD":       func(s *ModuleSettings, v interface{}) { setString(&s.PostgresPassword, v) },
	"DB_PORT":                 func(s *ModuleSettings, v interface{}) { setInt(&s.DBPort, v) },
	"PORT":                    func(s *ModuleSettings, v interface{}) { setInt(&s.DBPort, v) },
	"ec2_instance_id":         func(s *ModuleSettings, v interface{}) { setString(&s.EC2InstanceID, v) },
	"REMOTE_USER":             func(s *ModuleSettings, v interface{}) { setString(&s.RemoteUser, v) },
	"SSH_KEY":                 func(s *ModuleSettings, v interface{}) { setString(&s.SSHKeyPath, v) },
	"SUPERSET_ADMIN_USERNAME": func(s *ModuleSettings, v interface{}) { setString(&s.SupersetAdminUsername, v) },
}

// LoadModuleSettings parses the module's canonical terraform.tfvars into
// ModuleSettings. A missing file yields defaults rather than an error: the
// sequencer will surface the missing template when the job actually runs.
func LoadModuleSettings(modulePath string) (ModuleSettings, error) {
	settings := ModuleSettings{
		DBPort:                5432,
		SupersetAdminUsername: "admin",
	}

	path := filepath.Join(modulePath, VarsFileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return settings, nil
	}

	values, err := ParseVarsFile(path)
	if err != nil {
		return settings, fmt.Errorf("failed to parse module settings: %w", err)
	}

	for key, apply := range settingsKeyMapping {
		if v, ok := values[key]; ok {
			apply(&settings, v)
		}
	}
	return settings, nil
}

func setString(dst *string, v interface{}) {
	if s, ok := v.(string); ok {
		*dst = s
	}
}

func setInt(dst *int, v interface{}) {
	switch n := v.(type) {
	case int:
		*dst = n
	case string:
		if intVal, err := strconv.Atoi(n); err == nil {
			*dst = intVal
		}
	}
}
