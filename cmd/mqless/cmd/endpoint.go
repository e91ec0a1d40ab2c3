/*
Copyright © 2025 Mulga Defense Corporation

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mulgadc/mqless/internal/awsclient"
)

// computeEndpoint derives mql_server_endpoint (spec.md §4.4): the EC2
// private IP from IMDS when credentials came from IMDS, or the first
// non-loopback local interface address on static-credential boot. Mirrors
// hive/daemon/network.go's use of net.Interfaces for address discovery.
func computeEndpoint(aws *awsclient.Client, port int) string {
	ip := "127.0.0.1"
	if aws.UsesIMDS() {
		if imdsIP, err := fetchIMDSPrivateIP(aws); err == nil && imdsIP != "" {
			ip = imdsIP
		}
	} else if local, err := firstLocalInterfaceIP(); err == nil && local != "" {
		ip = local
	}
	return fmt.Sprintf("http://%s:%d", ip, port)
}

// firstLocalInterfaceIP returns the first non-loopback IPv4 address found
// across up interfaces.
func firstLocalInterfaceIP() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			if v4 := ipNet.IP.To4(); v4 != nil {
				return v4.String(), nil
			}
		}
	}
	return "", fmt.Errorf("no non-loopback interface address found")
}

// fetchIMDSPrivateIP asks IMDS for the instance's private IPv4 address
// directly (spec.md §4.4 "EC2 private IP from IMDS"), independent of the
// region/role/credentials bootstrap chain awsclient.Client otherwise owns.
func fetchIMDSPrivateIP(aws *awsclient.Client) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, aws.IMDSURL("/latest/meta-data/local-ipv4"), nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("imds: local-ipv4 returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}
