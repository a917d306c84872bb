package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"mono-simulator/internal/config"
	"mono-simulator/internal/server"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
)

func main() {
	// 命令行参数
	configFile := flag.String("config", "configs/config.yaml", "配置文件路径")
	port := flag.Int("port", 0, "覆盖配置中的监听端口")
	showVersion := flag.Bool("version", false, "显示版本信息")
	flag.Parse()

	// 显示版本
	if *showVersion {
		fmt.Printf("MonoSimulator v%s (Build: %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	// 加载配置
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		cfg = config.GetDefaultConfig()
		fmt.Println("使用默认配置")
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	// 初始化日志
	log := setupLogger(cfg.Log)
	log.Infof("MonoSimulator v%s 启动中...", Version)
	log.Infof("配置文件: %s", *configFile)

	srv, err := server.NewTCPServer(cfg, log)
	if err != nil {
		log.Fatalf("创建服务器失败: %v", err)
	}

	if err := srv.Start(); err != nil {
		var bindErr *server.BindError
		if errors.As(err, &bindErr) {
			log.Errorf("%d: %v", bindErr.Code(), bindErr)
			os.Exit(bindErr.Code())
		}
		log.Fatalf("启动服务器失败: %v", err)
	}

	printBanner(log, cfg.Server.Port)

	// 优雅退出处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx); err != nil {
		log.Errorf("服务器异常退出: %v", err)
	}
	if err := srv.Close(); err != nil {
		log.Errorf("%v", err)
	}
	log.Info("服务器已关闭")
}

func printBanner(log *logrus.Logger, port int) {
	log.Infof("-----= MonoSimulator V%s =-----", Version)
	log.Infof("请确认防火墙已关闭或 TCP 端口 %d 允许入站连接", port)
	log.Info("从 NAT 防火墙外部访问时下面的地址并不正确, 且同一时间只允许一个客户端访问")

	ip, err := localIPv4()
	if err != nil {
		log.Warnf("获取本机地址失败: %v", err)
		return
	}
	log.Infof("MonoSimulator 本机地址: %s", ip)
}

// localIPv4 返回第一个非回环 IPv4 地址, 仅用于显示
func localIPv4() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", errors.New("未找到本机 IPv4 地址")
}

func setupLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()

	// 设置日志级别
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	// 设置日志格式
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	// 设置输出
	if cfg.Output == "file" && cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err == nil {
			log.SetOutput(file)
		} else {
			log.Warnf("打开日志文件失败: %v, 使用标准输出", err)
		}
	}

	return log
}
