package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"opsconductor/internal/jobdef"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: conductorctl [flags] <command> [args]

Commands:
  import <file.yaml>                 import a YAML job definition
  submit <job-serial> <selector>     dispatch a job now
  cancel <execution-serial>          request cancellation
  status <serial>                    status snapshot of any serial

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	server := flag.String("server", "http://localhost:8080", "conductor server address")
	runAt := flag.String("at", "", "defer dispatch until this RFC3339 time (submit only)")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	base := *server + "/api/v1"
	var err error

	switch args[0] {
	case "import":
		if len(args) != 2 {
			usage()
			os.Exit(1)
		}
		err = importJob(base, args[1])

	case "submit":
		if len(args) != 3 {
			usage()
			os.Exit(1)
		}
		err = submit(base, args[1], args[2], *runAt)

	case "cancel":
		if len(args) != 2 {
			usage()
			os.Exit(1)
		}
		err = post(base+"/executions/"+args[1]+"/cancel", nil)

	case "status":
		if len(args) != 2 {
			usage()
			os.Exit(1)
		}
		err = get(base + "/status/" + args[1])

	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func importJob(base, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Validate locally before shipping it off.
	if _, err := jobdef.Parse(data); err != nil {
		return err
	}
	return post(base+"/jobs/import", data)
}

func submit(base, jobSerial, selector, runAt string) error {
	payload := map[string]interface{}{
		"job_serial": jobSerial,
		"selector":   selector,
	}
	if runAt != "" {
		at, err := time.Parse(time.RFC3339, runAt)
		if err != nil {
			return fmt.Errorf("invalid -at time: %w", err)
		}
		payload["run_at"] = at
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return post(base+"/executions", body)
}

func post(url string, body []byte) error {
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func get(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
	} else {
		fmt.Println(pretty.String())
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
