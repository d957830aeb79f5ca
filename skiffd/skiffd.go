// skiffd server
//
// Copyright (c) 2020 the skiff authors
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"path"
	"strings"
	"time"

	skiff "github.com/xinghhhhhhh/skiff"
	"github.com/xinghhhhhhh/skiff/logger"
	"github.com/xinghhhhhhh/skiff/sftp"
	"github.com/xinghhhhhhh/skiff/skiffnet"
)

var (
	version   string
	gitCommit string // set in -ldflags by build

	kcpMode string // set to a valid KCP BlockCrypt alg tag to use rather than TCP

	// Log - syslog output (with no -d)
	Log *logger.Writer
)

const (
	chanWinSize = 1048576
	chanMaxPkt  = 16384
)

// sendAll pushes b over the channel in maxPkt-bounded frames, waiting
// out the peer window when it runs dry.
func sendAll(ch *skiffnet.Channel, b []byte, maxPkt uint32) error {
	for len(b) > 0 {
		w := ch.PeerWindow()
		n := uint32(len(b))
		if n > maxPkt {
			n = maxPkt
		}
		if w.Size == 0 {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if n > w.Size {
			n = w.Size
		}
		if err := ch.Send(b[:n]); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// serveFileFetch streams the requested file to the peer and closes the
// channel at EOF. Request payload is one length-prefixed path string.
func serveFileFetch(req *skiffnet.ChanRequest, acc sftp.Accessor, root string) {
	br := bytes.NewReader(req.Extra)
	var plen uint32
	if e := binary.Read(br, binary.BigEndian, &plen); e != nil || int(plen) != br.Len() {
		req.Reject(skiffnet.ChanOpenConnectFailed, "malformed file request")
		return
	}
	reqPath := string(req.Extra[4:])
	full := path.Join(root, path.Clean("/"+reqPath))

	fh, err := sftp.Open(acc, full, sftp.SSH_FXF_OPEN_EXISTING,
		sftp.ACE4_READ_DATA, nil)
	if err != nil {
		logger.LogErr(fmt.Sprintf("[file-fetch %s: %s (status %d)]",
			full, err, sftp.StatusOf(err)))
		req.Reject(skiffnet.ChanOpenConnectFailed, err.Error())
		return
	}
	defer fh.Close()

	ch, err := req.Accept(chanWinSize, chanMaxPkt)
	if err != nil {
		logger.LogErr(fmt.Sprintf("[file-fetch accept: %s]", err))
		return
	}
	defer ch.Close()

	buf := make([]byte, chanMaxPkt)
	var off int64
	for {
		n, eof, rerr := fh.ReadAt(buf, off)
		if rerr != nil {
			logger.LogErr(fmt.Sprintf("[file-fetch read %s@%d: %s]", full, off, rerr))
			return
		}
		if n > 0 {
			if err = sendAll(ch, buf[:n], chanMaxPkt); err != nil {
				return
			}
			off += int64(n)
		}
		if eof {
			return
		}
	}
}

// serveFileStore receives channel data into the named file, opened for
// append so concurrent writers stay consistent.
func serveFileStore(req *skiffnet.ChanRequest, acc sftp.Accessor, root string) {
	br := bytes.NewReader(req.Extra)
	var plen uint32
	if e := binary.Read(br, binary.BigEndian, &plen); e != nil || int(plen) != br.Len() {
		req.Reject(skiffnet.ChanOpenConnectFailed, "malformed file request")
		return
	}
	reqPath := string(req.Extra[4:])
	full := path.Join(root, path.Clean("/"+reqPath))

	fh, err := sftp.Open(acc, full,
		sftp.SSH_FXF_OPEN_OR_CREATE|sftp.SSH_FXF_APPEND_DATA,
		sftp.ACE4_WRITE_DATA, nil)
	if err != nil {
		logger.LogErr(fmt.Sprintf("[file-store %s: %s (status %d)]",
			full, err, sftp.StatusOf(err)))
		req.Reject(skiffnet.ChanOpenConnectFailed, err.Error())
		return
	}
	defer fh.Close()

	ch, err := req.Accept(chanWinSize, chanMaxPkt)
	if err != nil {
		logger.LogErr(fmt.Sprintf("[file-store accept: %s]", err))
		return
	}

	for p := range ch.In {
		if err = fh.WriteAt(p, 0); err != nil {
			logger.LogErr(fmt.Sprintf("[file-store write %s: %s]", full, err))
			ch.Close()
			return
		}
		ch.ConsumeLocalWindow(uint32(len(p)))
	}
}

// serveDirect proxies a direct-connect channel to its target endpoint.
func serveDirect(req *skiffnet.ChanRequest) {
	target, origin, err := req.Direct()
	if err != nil {
		req.Reject(skiffnet.ChanOpenConnectFailed, "malformed direct-tcpip request")
		return
	}
	c, err := net.Dial("tcp", target.String())
	if err != nil {
		req.Reject(skiffnet.ChanOpenConnectFailed, err.Error())
		return
	}
	ch, err := req.Accept(chanWinSize, chanMaxPkt)
	if err != nil {
		c.Close()
		return
	}
	logger.LogInfo(fmt.Sprintf("[direct %s -> %s]", origin, target))

	go func() {
		defer ch.Close()
		buf := make([]byte, chanMaxPkt)
		for {
			n, rerr := c.Read(buf)
			if n > 0 {
				if sendAll(ch, buf[:n], chanMaxPkt) != nil {
					return
				}
			}
			if rerr != nil {
				return
			}
		}
	}()
	go func() {
		defer c.Close()
		for p := range ch.In {
			if _, werr := c.Write(p); werr != nil {
				return
			}
			ch.ConsumeLocalWindow(uint32(len(p)))
		}
	}()
}

func handleConn(hc *skiffnet.Conn, root string) {
	sess := skiff.NewSession([]byte("S"), nil,
		[]byte(hc.RemoteAddr().String()), 0)
	acc := sftp.NewOSAccessor()

	// drive inbound dispatch; channel traffic never surfaces here
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := hc.Read(buf); err != nil {
				hc.Close()
				return
			}
		}
	}()

	for req := range hc.ChanReqCh {
		logger.LogInfo(fmt.Sprintf("[chan open %s from %s]", req.Type, sess.ConnHost()))
		sess.ChanOpened()
		go func(req *skiffnet.ChanRequest) {
			defer sess.ChanClosed()
			switch req.Type {
			case "direct-tcpip":
				serveDirect(req)
			case "file-fetch":
				serveFileFetch(req, acc, root)
			case "file-store":
				serveFileStore(req, acc, root)
			default:
				req.Reject(skiffnet.ChanOpenUnknownChannelType,
					fmt.Sprintf("unknown channel type %q", req.Type))
			}
		}(req)
	}
	logger.LogNotice(fmt.Sprintf("[conn from %s done]", sess.ConnHost()))
}

func main() {
	var vopt bool
	var dbg bool
	var laddr string
	var root string

	flag.BoolVar(&vopt, "v", false, "show version")
	flag.BoolVar(&dbg, "d", false, "debug logging")
	flag.StringVar(&laddr, "l", ":2000", "interface[:port] to listen")
	flag.StringVar(&root, "R", "/var/lib/skiffd", "serving `root` for file channels")
	flag.StringVar(&kcpMode, "K", "unused", "KCP `alg`, one of [KCP_NONE | KCP_AES | KCP_BLOWFISH | KCP_CAST5 | KCP_SM4 | KCP_SALSA20 | KCP_SIMPLEXOR | KCP_TEA | KCP_3DES | KCP_TWOFISH | KCP_XTEA] to use KCP (github.com/xtaci/kcp-go) reliable UDP instead of TCP")
	flag.Parse()

	if vopt {
		fmt.Printf("version %s (%s)\n", version, gitCommit)
		os.Exit(0)
	}

	proto := "tcp"
	var extensions []string
	if kcpMode != "unused" {
		proto = "kcp"
		extensions = append(extensions, kcpMode)
	}

	Log, _ = logger.New(logger.LOG_DAEMON|logger.LOG_DEBUG, "skiffd")
	skiffnet.Init(dbg, "skiffd", logger.LOG_DAEMON|logger.LOG_DEBUG)

	l, err := skiffnet.Listen(proto, laddr, extensions...)
	if err != nil {
		log.Fatal(err)
	}
	defer l.Close()
	logger.LogNotice(fmt.Sprintf("Serving on %s", laddr))

	for {
		hc, err := l.Accept()
		if err != nil {
			if strings.HasSuffix(err.Error(), "use of closed network connection") {
				break
			}
			logger.LogErr(fmt.Sprintf("[accept: %s]", err))
			continue
		}
		go handleConn(hc, root)
	}
}
