// internal/pkg/utils/net.go
package utils

import (
	"fmt"
	"net"
)

// GetOutboundIP 获取本机对外通信使用的 IP，用于服务注册。
func GetOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("failed to determine outbound ip: %w", err)
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local addr type %T", conn.LocalAddr())
	}
	return localAddr.IP.String(), nil
}
