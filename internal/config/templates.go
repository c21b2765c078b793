package config

import (
	"fmt"
	"os"
)

// Template returns a commented sample config carrying every key at its
// default.
func Template() string {
	return sampleTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(sampleTemplate), 0o600)
}

const sampleTemplate = `# coordinator address
addr = "127.0.0.1:12080"

connect_timeout = "5s"
read_timeout = "15s"
write_timeout = "15s"
close_wait_timeout = "5s"
run_timeout = "5m"
max_connect_attempts = 5

backoff_initial = "250ms"
backoff_multiplier = 2.0
backoff_max = "5s"
backoff_jitter = true

# queries per second, 0 sends as fast as the stream allows
query_rate = 0.0
query_burst = 1
max_buffer_bytes = 8388608

report_path = ""
metrics_addr = ""
progress = true
log_file = ""

[artifact]
enabled = false
image = "ghcr.io/little-bear-labs/lbl-test-proxy:latest"
remote_path = "/artifact/test1.result.json"
local_path = "./test1.result.json"
settle = "2s"
`
