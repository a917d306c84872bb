package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mono-simulator/pkg/protocol"
)

func main() {
	host := flag.String("host", fmt.Sprintf("localhost:%d", protocol.DefaultPort), "服务器地址")
	cmds := flag.String("cmd", "T,H,D,A", "依次发送的命令字符, 逗号分隔")
	count := flag.Int("count", 1, "命令序列重复次数")
	interval := flag.Duration("interval", 0, "命令间隔")
	timeout := flag.Duration("timeout", 2*time.Second, "等待响应超时")
	flag.Parse()

	log := logrus.New()

	conn, err := net.DialTimeout("tcp", *host, 5*time.Second)
	if err != nil {
		log.Fatalf("连接失败: %v", err)
	}
	defer conn.Close()

	log.Infof("已连接到: %s", *host)

	reader := bufio.NewReader(conn)
	letters := strings.Split(*cmds, ",")

	for i := 0; i < *count; i++ {
		for _, letter := range letters {
			letter = strings.TrimSpace(letter)
			if letter == "" {
				continue
			}
			request := string(protocol.CommandMarker) + letter[:1]

			if _, err := conn.Write([]byte(request)); err != nil {
				log.Errorf("发送失败: %v", err)
				return
			}

			conn.SetReadDeadline(time.Now().Add(*timeout))
			reply, err := readReply(reader)
			if err != nil {
				log.Warnf("[%d] %s 无响应: %v", i+1, request, err)
				continue
			}
			log.Infof("[%d] %s -> %s", i+1, request, reply)

			if *interval > 0 {
				time.Sleep(*interval)
			}
		}
	}

	log.Info("发送完成")
}

// readReply 读取一条以 "\n\r" 结尾的响应, 返回去掉结束符的内容
func readReply(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		line, err := r.ReadString(protocol.Terminator[1])
		sb.WriteString(line)
		if err != nil {
			return "", err
		}
		if strings.HasSuffix(sb.String(), protocol.Terminator) {
			return strings.TrimSuffix(sb.String(), protocol.Terminator), nil
		}
	}
}
