// Package ftpcore implements the control-connection engine of an FTP/FTPS
// client: session lifecycle, transport security negotiation, authentication,
// command/reply exchange, server-capability discovery, and data-channel
// coordination for passive and active transfers.
//
// # Scope
//
// This package is deliberately the core only. It does not implement
// high-level file operations (upload, download, directory traversal,
// listing parsers, hashing convenience wrappers), a command-line interface,
// or FTP server behavior. Those are external collaborators built on top of
// the operations this package exposes: issue a command and get the reply
// back (Execute/GetReply), open a data connection for a transfer command
// (DataChannelFactory.Open), and query negotiated capabilities
// (HasFeature/Capabilities/HashAlgorithms).
//
// # Basic usage
//
//	cfg := ftpcore.DefaultSessionConfig("ftp.example.com", 21)
//	session := ftpcore.NewControlSession(cfg)
//	if err := session.Connect(context.Background()); err != nil {
//		log.Fatal(err)
//	}
//	defer session.Dispose()
//
//	reply, err := session.Execute(context.Background(), "PWD")
//
// # Transport security
//
// Explicit TLS upgrades an already-open cleartext connection with AUTH TLS:
//
//	cfg := ftpcore.DefaultSessionConfig("ftp.example.com", 21)
//	cfg.Encryption = ftpcore.EncryptionExplicit
//	cfg.TLSConfig = &tls.Config{ServerName: "ftp.example.com"}
//
// Implicit TLS wraps the socket before any FTP byte is read, conventionally
// on port 990:
//
//	cfg := ftpcore.DefaultSessionConfig("ftp.example.com", 990)
//	cfg.Encryption = ftpcore.EncryptionImplicit
//	cfg.TLSConfig = &tls.Config{ServerName: "ftp.example.com"}
//
// # Data channels
//
// DataChannelMode selects passive or active negotiation, with automatic
// fallback (EPSV→PASV, EPRT→PORT) sticky for the session's lifetime once a
// server is found not to support the extended form:
//
//	factory := ftpcore.NewDataChannelFactory(session)
//	transfer, err := factory.Open(context.Background(), ftpcore.DataTypeBinary, "RETR", "report.csv")
//	_, err = io.Copy(localFile, transfer.Reader(context.Background()))
//	_, err = transfer.Finish(context.Background())
//
// # Cloning for concurrent transfers
//
// A ControlSession serializes commands on its single socket; concurrent
// transfers need sibling sessions:
//
//	clone, err := session.Clone(context.Background())
//	defer clone.Dispose()
package ftpcore
