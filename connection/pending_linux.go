package connection

import "golang.org/x/sys/unix"

// readableRequest asks for the number of unread bytes in the receive queue.
const readableRequest = unix.SIOCINQ
