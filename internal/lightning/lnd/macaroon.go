package lnd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"
	macaroon "gopkg.in/macaroon.v2"
)

// macaroonCredential 在每次 RPC 的 metadata 中附带十六进制编码的宏凭证。
type macaroonCredential struct {
	encoded string
}

func (m macaroonCredential) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"macaroon": m.encoded}, nil
}

func (m macaroonCredential) RequireTransportSecurity() bool {
	return true
}

// LoadMacaroon 读取并校验二进制宏凭证文件。
func LoadMacaroon(path string) (credentials.PerRPCCredentials, error) {
	if path == "" {
		return nil, fmt.Errorf("未配置宏凭证路径")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取宏凭证失败: %w", err)
	}
	return macaroonFromBytes(data)
}

func macaroonFromBytes(data []byte) (credentials.PerRPCCredentials, error) {
	var mac macaroon.Macaroon
	if err := mac.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("宏凭证格式不合法: %w", err)
	}
	return macaroonCredential{encoded: hex.EncodeToString(data)}, nil
}
