package sender

import (
	"crypto/tls"
	"net/http"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"magicchain/config"
)

// 创建非单例的 HTTP/3 客户端，服务端使用自签名证书时需要 InsecureSkipVerify
func createHttp3Client(cfg *config.Config) *http.Client {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.Client.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS13,
		MaxVersion:         tls.VersionTLS13,
		ClientSessionCache: tls.NewLRUClientSessionCache(128),
		NextProtos:         []string{http3.NextProtoH3},
	}

	tr := &http3.Transport{
		TLSClientConfig: tlsCfg,
		QUICConfig: &quic.Config{
			KeepAlivePeriod: cfg.Server.QUICKeepAlivePeriod.D(),
			MaxIdleTimeout:  cfg.Server.QUICMaxIdleTimeout.D(),
		},
	}

	return &http.Client{
		Transport: tr,
		Timeout:   cfg.Client.RequestTimeout.D(),
	}
}

func createHttpClient(cfg *config.Config) *http.Client {
	return &http.Client{Timeout: cfg.Client.RequestTimeout.D()}
}

func insecureTLS() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true}
}
