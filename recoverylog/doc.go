/*
Package recoverylog keeps a crash-durable ledger of documents whose latest
value has not yet been confirmed by the backing store.

A Record is written before a dirty entry leaves memory and removed once the
backing store confirms the write. At startup every Record is loaded and
replayed into the backing store before the cache serves traffic.

FileLog stores records as checksummed JSON lines in numbered slot files,
recovery.<n>.log. Each process appends only to a slot it created exclusively;
slots left behind by earlier runs are read by LoadAll and deleted by Retire
once their records are replayed or carried forward.
*/
package recoverylog
